// Package notifications delivers push notifications via ntfy and fans
// recording state changes out to event listeners. All delivery is best
// effort: a failed notification never changes recording state.
package notifications
