/*
Package log provides structured logging for Burrow using zerolog.

A single global logger is initialized once at startup via Init and consumed
through package-level helpers or component-scoped child loggers.

# Usage

Initialize early in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false,
	})

Component loggers carry structured context automatically:

	logger := log.WithComponent("syncer")
	logger.Info().Str("action_id", id).Msg("action delivered")

Entity-scoped helpers are available for cache and queue operations:

	logger := log.WithEntity("post", "42")
	logger.Debug().Msg("optimistic patch applied")

# Output Formats

Console output (human-readable, for interactive use) is the default; JSON
output is intended for when the agent runs under a supervisor that ships
logs elsewhere.
*/
package log
