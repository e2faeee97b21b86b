// Package logging provides structured logging with per-module log levels.
//
// Output goes to stdout when a terminal, pipe or file is attached, and to the
// systemd journal when journald is reachable. Both are used when both exist.
//
// Initialize once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"engine": "debug",
//		},
//	})
//
// and fetch module loggers anywhere:
//
//	logger := logging.GetLogger("crawler")
//	logger.Info("Task started", "spider", name)
//
// Each crawl task gets its own TaskSink. It tags records with task_id and
// spider and keeps the most recent ones in memory until the task stops.
//
// Journal entries use the identifier "crawlnode":
//
//	journalctl -t crawlnode MODULE=crawler
//	journalctl -t crawlnode TASK_ID=<id>
//
// TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "text"
//	crawler = "debug"
package logging
