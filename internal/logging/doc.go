// Package logging builds slog loggers with Redub's console and JSON handlers
// and standardizes the structured field names shared across components.
package logging
