// Package process runs external commands with graceful shutdown.
//
// A Process is stopped by cancelling the context passed to Run: it receives
// SIGINT first and SIGKILL when it does not exit within the graceful
// timeout. Output lines are logged and optionally handed to an
// OutputHandler.
//
//	p := process.New("quotes", []string{"scrapy", "crawl", "quotes"}, logger)
//	p.SetLogParser(taskLogger, process.LevelPrefixParser)
//	code, err := p.Run(ctx)
package process
