package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smazurov/crawlnode/internal/logging"
	"github.com/smazurov/crawlnode/internal/spider"
)

// CreateListCmd creates the list command.
func CreateListCmd(opts *Options) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available spiders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := opts.Settings()
			if err != nil {
				return err
			}
			loader, err := spider.NewLoader(settings)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := printSpiders(out, loader); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			tomlLoader, ok := loader.(*spider.TOMLLoader)
			if !ok {
				return errors.New("--watch needs the toml spider loader")
			}
			return watchSpiders(cmd.Context(), out, tomlLoader)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print the list again whenever the spiders file changes")
	return cmd
}

func watchSpiders(ctx context.Context, out io.Writer, loader *spider.TOMLLoader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := loader.Watch(logging.GetLogger("spiders"))
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Stop() }()

	watcher.OnReload(func(map[string]spider.Definition) {
		_, _ = fmt.Fprintln(out)
		_ = printSpiders(out, loader)
	})

	<-ctx.Done()
	return nil
}

func printSpiders(w io.Writer, loader spider.Loader) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	tomlLoader, _ := loader.(*spider.TOMLLoader)
	for _, name := range loader.List() {
		detail := ""
		if tomlLoader != nil {
			if def, ok := tomlLoader.Definition(name); ok {
				detail = strings.Join(def.StartURLs, " ")
				if len(def.Command) > 0 {
					detail = "command: " + strings.Join(def.Command, " ")
				}
			}
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\n", name, detail); err != nil {
			return err
		}
	}
	return tw.Flush()
}
