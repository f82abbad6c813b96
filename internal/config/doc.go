// Package config loads, normalizes, and validates Strand's TOML
// configuration. A missing file yields the built-in defaults; a present file
// is decoded over them. All path fields are tilde-expanded and absolute after
// Load returns.
package config
