// Package log provides the structured logging used throughout the endpoint:
// a single zerolog.Logger tree, initialized once via Init, with helpers that
// attach component/endpoint/task context to child loggers.
package log
