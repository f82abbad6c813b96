// Package recordings owns the persisted domain model of the recorder: the
// recording lifecycle, segments, proxy endpoints, and post-processing tasks,
// all stored in a single SQLite database. The Store is the only component
// that talks to the database; everything above it works with the types in
// models.go.
package recordings
