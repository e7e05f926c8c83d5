// Package log provides the structured logging system shared by jarvis
// components.
//
// # Overview
//
// The package exposes a small Logger interface with leveled, Field-based
// methods, pluggable formatters (text and JSON) and outputs. Components
// receive a Logger by dependency injection and tag their entries with
// With/WithComponent rather than relying on global state.
//
// Example:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel), log.WithFormatter(&log.TextFormatter{}))
//	qlog := logger.WithComponent("taskqueue")
//	qlog.Info("claimed task", log.Str("task_id", id), log.Int("attempts", n))
package log
