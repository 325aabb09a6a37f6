package cli

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"streamchat/internal/backoff"
	"streamchat/internal/client"
	"streamchat/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server   string
	Format   string // "json" | "text"
	LogLevel string
	Timeout  time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the streamchat CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "streamchat",
		Short: "Resumable streaming chat completions",
		Long: `streamchat runs and talks to a chat completion service whose answers
survive dropped connections: a turn keeps generating after the client goes
away and can be resumed from its checkpoint.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			level, err := config.ParseLevel(opts.LogLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8000", "base URL of the streamchat API")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "overall deadline of a client command")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewAbandonCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// newClient builds an API client for the --server flag. A resume that finds
// the turn still running is retried on a one second backoff.
func newClient(opts *RootOptions) (*client.Client, error) {
	return client.New(opts.Server,
		client.WithResumeWait(backoff.NewPolicy(5, time.Second)),
		client.WithLogger(slog.Default()),
	)
}
