// Package log provides structured logging for the Forge controller built on
// zerolog. Call Init once at startup, then derive child loggers with
// WithComponent, WithBuildID, or WithWorkerID so every line carries its
// correlation fields.
package log
