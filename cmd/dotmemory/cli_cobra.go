package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	userID     string
}

func executeCLI() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return buildRootCommand().ExecuteContext(ctx)
}

func buildRootCommand() *cobra.Command {
	var showVersion bool
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "dotmemory",
		Short: "Tiered conversational memory with chunked archives and budgeted retrieval",
		Long: strings.TrimSpace(`dotmemory keeps a per-user conversation log in SQLite.

Recent messages stay verbatim in the primary buffer. Older turns are archived
into embedded chunks that are retrieved into a token-budgeted context.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getConfigPath(), "Path to config.json")
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", "default", "User whose conversation is addressed")

	root.AddCommand(newInitCommand(opts))
	root.AddCommand(newAppendCommand(opts))
	root.AddCommand(newContextCommand(opts))
	root.AddCommand(newChunkCommand(opts))
	root.AddCommand(newSearchCommand(opts))
	root.AddCommand(newStatsCommand(opts))
	root.AddCommand(newReconcileCommand(opts))
	root.AddCommand(newBackfillCommand(opts))
	root.AddCommand(newWorkerCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

// withService opens a worker-less service, runs fn and drains queued
// maintenance before closing.
func withService(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, svc *memory.Service) error) error {
	svc, _, err := openService(opts.configPath, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := fn(cmd.Context(), svc); err != nil {
		return err
	}
	svc.RunPendingJobs()
	return nil
}

func newInitCommand(opts *globalOptions) *cobra.Command {
	var (
		workspace string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long:  "Create a config.json with default chunking, retrieval, and provider settings.",
		Example: strings.Join([]string{
			"  dotmemory init",
			"  dotmemory init --workspace /var/lib/dotmemory --force",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", opts.configPath)
			}
			cfg := config.DefaultConfig()
			if strings.TrimSpace(workspace) != "" {
				cfg.Storage.Workspace = workspace
			}
			if err := config.SaveConfig(opts.configPath, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", opts.configPath)
			fmt.Fprintf(cmd.OutOrStdout(), "Workspace: %s\n", cfg.WorkspacePath())
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory holding the memory database")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

func newAppendCommand(opts *globalOptions) *cobra.Command {
	var (
		role     string
		content  string
		tokens   int
		metadata map[string]string
	)

	cmd := &cobra.Command{
		Use:   "append [content]",
		Short: "Append a message to the user's conversation",
		Long:  "Append one message to the primary buffer and run any chunking it triggers.",
		Example: strings.Join([]string{
			"  dotmemory append --user alice \"we settled on postgres\"",
			"  dotmemory append --user alice --role assistant -m \"Noted.\" --meta importance=decision",
		}, "\n"),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if strings.TrimSpace(content) != "" {
					return fmt.Errorf("pass content either as an argument or with --message, not both")
				}
				content = args[0]
			}
			r, err := memory.ParseRole(role)
			if err != nil {
				return err
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				msg, err := svc.AppendMessage(ctx, opts.userID, memory.MessageInput{
					Role:       r,
					Content:    content,
					TokenCount: tokens,
					Metadata:   metadata,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Appended #%d (%s, %d tokens)\n", msg.Sequence, msg.Role, msg.TokenCount)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", string(memory.RoleUser), "Message role: user, assistant, or system")
	cmd.Flags().StringVarP(&content, "message", "m", "", "Message content")
	cmd.Flags().IntVar(&tokens, "tokens", 0, "Token count override (0 estimates)")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Message metadata as key=value (repeatable)")
	return cmd
}

func newContextCommand(opts *globalOptions) *cobra.Command {
	var (
		query          string
		budget         int
		excludePrimary bool
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "context",
		Short: "Assemble the token-budgeted context for the next model call",
		Example: strings.Join([]string{
			"  dotmemory context --user alice",
			"  dotmemory context --user alice --query \"which database?\" --budget 2000",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				result, err := svc.GetContext(ctx, opts.userID, memory.ContextOptions{
					Query:          query,
					BudgetTokens:   budget,
					ExcludePrimary: excludePrimary,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(result)
				}
				if text := svc.FormatContext(result); text != "" {
					fmt.Fprintln(out, text)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "method=%s chunks=%d primary=%d tokens=%d/%d\n",
					result.SearchMethod, len(result.RetrievedChunks), len(result.PrimaryMessages),
					result.TotalTokens, result.BudgetTokens)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Query for semantic retrieval (empty uses recency)")
	cmd.Flags().IntVarP(&budget, "budget", "b", 0, "Token budget (0 uses the configured default)")
	cmd.Flags().BoolVar(&excludePrimary, "exclude-primary", false, "Return archived chunks only")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw retrieval result as JSON")
	return cmd
}

func newChunkCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "chunk",
		Short:   "Archive the oldest primary messages now if the buffer is over capacity",
		Example: "  dotmemory chunk --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				outcome, err := svc.ForceChunk(ctx, opts.userID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !outcome.Created {
					fmt.Fprintf(out, "No chunk created: %s (%d primary messages)\n", outcome.Reason, outcome.Remaining)
					return nil
				}
				c := outcome.Chunk
				fmt.Fprintf(out, "Chunk %s: messages #%d-#%d (%d messages, %d tokens, %s)\n",
					c.ID, c.StartSequence, c.EndSequence, c.MessageCount, c.TokenCount, outcome.Reason)
				fmt.Fprintf(out, "Primary buffer now holds %d messages\n", outcome.Remaining)
				return nil
			})
		},
	}
}

func newSearchCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "search <query>",
		Short:   "Full-text search over every message, archived or not",
		Args:    cobra.ExactArgs(1),
		Example: "  dotmemory search --user alice lisbon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				msgs, err := svc.SearchHistory(ctx, opts.userID, args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(msgs) == 0 {
					fmt.Fprintln(out, "No matches.")
					return nil
				}
				for _, m := range msgs {
					tier := "archive"
					if m.InPrimaryBuffer {
						tier = "primary"
					}
					fmt.Fprintf(out, "#%d [%s] %s %s: %s\n", m.Sequence, tier,
						m.CreatedAt.UTC().Format(time.RFC3339), m.Role, m.Content)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum matches")
	return cmd
}

func newStatsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show message, chunk, and token counts for a conversation",
		Example: "  dotmemory stats --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				stats, err := svc.GetStats(ctx, opts.userID)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func printStats(w io.Writer, stats memory.ConversationStats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Conversation:\t%s\n", stats.ConversationID)
	fmt.Fprintf(tw, "User:\t%s\n", stats.UserID)
	fmt.Fprintf(tw, "Messages:\t%d (%d primary, %d archived)\n", stats.TotalMessages, stats.PrimaryMessages, stats.ArchivedMessages)
	fmt.Fprintf(tw, "Primary buffer:\t%d/%d messages, %d tokens\n", stats.PrimaryMessages, stats.PrimaryBufferSize, stats.PrimaryTokens)
	fmt.Fprintf(tw, "Chunks:\t%d (%d embedded, %d tokens)\n", stats.TotalChunks, stats.EmbeddedChunks, stats.ArchivedTokens)
	if !stats.LastMessageAt.IsZero() {
		fmt.Fprintf(tw, "Last message:\t%s\n", stats.LastMessageAt.UTC().Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func newReconcileCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "reconcile",
		Short:   "Check and repair tier flags, orphaned messages, and counters",
		Example: "  dotmemory reconcile --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				report, err := svc.Reconcile(ctx, opts.userID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if report.Clean() {
					fmt.Fprintln(out, "Conversation is consistent.")
					return nil
				}
				fmt.Fprintf(out, "Repaired: %d flags, %d orphans recovered, %d duplicate chunks dropped, counters fixed: %t\n",
					report.FlagsRepaired, report.OrphansRecovered, report.DuplicatesDropped, report.CountersFixed)
				return nil
			})
		},
	}
}

func newBackfillCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "backfill",
		Short:   "Embed archived chunks that have no embedding yet",
		Example: "  dotmemory backfill --user alice --limit 50",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				n, err := svc.BackfillEmbeddings(ctx, opts.userID, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Embedded %d chunks\n", n)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Maximum chunks to embed (0 uses the configured batch)")
	return cmd
}

func newWorkerCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "worker",
		Short:   "Run the background chunking worker and scheduled sweep until interrupted",
		Example: "  dotmemory worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(opts.configPath, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			logger.InfoCF("cli", "Memory worker started", map[string]interface{}{
				"config": opts.configPath,
			})
			<-cmd.Context().Done()
			logger.InfoC("cli", "Shutting down memory worker")
			return svc.Close()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotmemory version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
