package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/crawler"
	"github.com/smazurov/crawlnode/internal/logging"
	"github.com/smazurov/crawlnode/internal/loop"
	"github.com/smazurov/crawlnode/internal/spider"
	"github.com/smazurov/crawlnode/internal/version"
)

// ErrInterrupted is returned when a forced shutdown cut a crawl short.
var ErrInterrupted = errors.New("crawl interrupted before it finished stopping")

// CreateCrawlCmd creates the crawl command.
func CreateCrawlCmd(opts *Options) *cobra.Command {
	var spiderArgs []string
	var dumpLog string

	cmd := &cobra.Command{
		Use:   "crawl <spider>",
		Short: "Run a spider until it finishes or is interrupted",
		Long: `Runs the named spider and exits once the crawl is done. The first SIGINT or ` +
			`SIGTERM stops the crawl gracefully; a second one stops the process without ` +
			`waiting for in-flight work.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			parsed, err := ParseSpiderArgs(spiderArgs)
			if err != nil {
				return err
			}
			return runCrawl(opts, args[0], parsed, dumpLog)
		},
	}

	cmd.Flags().StringArrayVarP(&spiderArgs, "arg", "a", nil, "Spider argument as key=value (repeatable)")
	cmd.Flags().StringVar(&dumpLog, "dump-log", "", "Write the crawl's task log to this file")
	return cmd
}

func runCrawl(opts *Options, name string, args spider.Args, dumpLog string) error {
	logger := logging.GetLogger("main")

	settings, err := opts.Settings()
	if err != nil {
		return err
	}

	l := loop.New(logging.GetLogger("loop"))
	registry, err := crawler.NewRegistry(l, crawler.Options{
		Settings: settings,
		Logger:   logging.GetLogger("crawler"),
	})
	if err != nil {
		return err
	}

	driver := crawler.NewDriver(registry, crawler.DriverOptions{})
	defer driver.Close()

	crawl, err := registry.Submit(spider.ByName(name), args)
	if err != nil {
		return err
	}

	logStartup(logger, settings)
	if err := driver.Run(true); err != nil {
		return err
	}

	for _, info := range registry.Tasks() {
		logger.Info("Crawl stats", "task_id", info.ID, "spider", info.Spider, "stats", info.Stats)
		if dumpLog != "" {
			if err := writeTaskLog(registry, info.ID, dumpLog); err != nil {
				logger.Warn("Failed to write task log", "path", dumpLog, "error", err)
			}
		}
	}

	if !crawl.Resolved() {
		return ErrInterrupted
	}
	return crawl.Err()
}

// logStartup logs the version banner and every setting that differs from
// the defaults.
func logStartup(logger *slog.Logger, settings *config.Settings) {
	info := version.Get()
	logger.Info(fmt.Sprintf("%s started", info), "version", info.Version)

	overridden := settings.Overridden()
	if len(overridden) == 0 {
		return
	}
	attrs := make([]any, 0, len(overridden))
	for _, key := range slices.Sorted(maps.Keys(overridden)) {
		attrs = append(attrs, slog.Any(key, overridden[key]))
	}
	logger.Info("Overridden settings", slog.Group("settings", attrs...))
}

func writeTaskLog(registry *crawler.Registry, taskID, path string) error {
	lines, ok := registry.LogLines(taskID)
	if !ok {
		return fmt.Errorf("no log for task %s", taskID)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
