// Package daemon coordinates the long-running Strand process.
//
// It wires configuration, recording storage, the proxy health monitor, the
// recording supervisor, the startup reconciler, and the post-processing
// pipeline into a single lifecycle with flock-based locking to prevent
// multiple instances. The HTTP API and the websocket event feed are served
// from here as well.
//
// Keep orchestration logic here: recording semantics live in their own
// packages while the daemon focuses on startup order, shutdown, and high
// level coordination.
package daemon
