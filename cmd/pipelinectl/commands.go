package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	mcpadapter "github.com/kirillkom/docmatch-pipeline/internal/adapters/mcp"
	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

func (c *cli) reindexCommand() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild chunks and embeddings for indexed revisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			report, err := app.ReindexUC.Reindex(cmd.Context(), domain.RevisionScope{Source: source})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "only reindex documents from this source")
	return cmd
}

func (c *cli) runMatchNotifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-match-notify REVISION_ID",
		Short: "Match subscriptions against a revision and deliver notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			report, err := app.MatchNotifyUC.RunMatchNotify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func (c *cli) subscriptionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Manage match subscriptions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Create or update subscriptions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			subs, err := parseSubscriptions(f)
			if err != nil {
				return err
			}
			app, err := c.bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			imported := make([]string, 0, len(subs))
			for i := range subs {
				if err := app.Subscriptions.Upsert(cmd.Context(), &subs[i]); err != nil {
					return fmt.Errorf("upsert subscription %q: %w", subs[i].Name, err)
				}
				imported = append(imported, subs[i].ID)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"imported": imported})
		},
	})
	return cmd
}

func (c *cli) failedJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed-jobs",
		Short: "Inspect and replay the failed job ledger",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List failed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := app.FailedJobsUC.List(cmd.Context(), domain.FailedJobStatus(status), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	list.Flags().StringVar(&status, "status", string(domain.FailedJobOpen), "open or resolved; empty lists both")
	list.Flags().IntVar(&limit, "limit", 100, "maximum rows")

	replay := &cobra.Command{
		Use:   "replay ID",
		Short: "Re-run the stage that produced a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			job, err := app.FailedJobsUC.Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func (c *cli) deliveriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Operate the notification delivery log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dispatch",
		Short: "Recover stale attempts and send every due delivery once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			recovered, err := app.NotifyUC.RecoverStale(cmd.Context())
			if err != nil {
				return err
			}
			report, err := app.NotifyUC.DispatchDue(cmd.Context())
			if err != nil {
				return err
			}
			report.Recovered = recovered.Recovered
			return printJSON(cmd.OutOrStdout(), report)
		},
	})
	return cmd
}

func (c *cli) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the chunk search tool over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			return mcpadapter.NewServer(app.SearchUC).ServeStdio()
		},
	}
}
