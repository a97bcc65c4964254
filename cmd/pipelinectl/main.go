package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kirillkom/docmatch-pipeline/internal/bootstrap"
	"github.com/kirillkom/docmatch-pipeline/internal/config"
	"github.com/kirillkom/docmatch-pipeline/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli holds the lazily built application shared by subcommands.
type cli struct {
	cfg config.Config
	app *bootstrap.App
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "pipelinectl",
		Short:        "Operate the document matching pipeline",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.cfg = config.Load()
			slog.SetDefault(logging.NewJSONLoggerTo(cmd.ErrOrStderr(), "pipelinectl", c.cfg.LogLevel))
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.app != nil {
				c.app.Close()
			}
		},
	}

	root.AddCommand(
		c.reindexCommand(),
		c.runMatchNotifyCommand(),
		c.subscriptionsCommand(),
		c.failedJobsCommand(),
		c.deliveriesCommand(),
		c.mcpCommand(),
	)
	return root
}

func (c *cli) bootstrap(ctx context.Context) (*bootstrap.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	app, err := bootstrap.New(ctx, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	c.app = app
	return app, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
