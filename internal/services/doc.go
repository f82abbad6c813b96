// Package services holds shared helpers for external-tool clients: sentinel
// error markers used to classify failures and context annotation utilities
// consumed by structured logging.
package services
