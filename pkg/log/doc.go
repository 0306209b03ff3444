/*
Package log provides structured logging for shelfhand using zerolog.

The log package wraps the zerolog library behind a global logger with
component-specific child loggers, configurable levels, and console or JSON
output. Components call WithComponent once at construction and log
structured events through the returned logger.

# Usage

	log.Init(log.Config{Level: log.InfoLevel})

	logger := log.WithComponent("scheduler")
	logger.Info().Uint64("item_id", 42).Str("stage", "download").Msg("task dispatched")

Per-item and per-stage child loggers are available via WithItem and
WithStage for call sites that are not tied to one component.
*/
package log
