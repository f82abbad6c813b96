// Package logging builds the process-wide slog logger and provides attr
// helpers plus standardized field keys shared by all components.
package logging
