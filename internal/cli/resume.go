package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// SessionOptions holds the --session flag shared by turn commands.
type SessionOptions struct {
	*RootOptions
	Session string
}

func addSessionFlag(cmd *cobra.Command, opts *SessionOptions) {
	cmd.Flags().StringVarP(&opts.Session, "session", "s", "", "session id")
	_ = cmd.MarkFlagRequired("session")
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the interrupted answer of a session",
		Long: `Resume the interrupted answer of a session.

The text generated so far is printed first, followed by the rest of the
answer as it streams.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, opts)
		},
	}
	addSessionFlag(cmd, opts)

	return cmd
}

func runResume(cmd *cobra.Command, opts *SessionOptions) error {
	c, err := newClient(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "create client", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	p := &eventPrinter{format: opts.Format, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
	terminal, err := c.Continue(ctx, opts.Session, p.print)
	if err != nil {
		return WrapExitError(ExitCommandError, "resume", err)
	}
	return turnResult(terminal)
}

// NewAbandonCommand creates the abandon command.
func NewAbandonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "abandon",
		Short:         "Give up on an interrupted answer and keep its partial text",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts.RootOptions)
			if err != nil {
				return WrapExitError(ExitCommandError, "create client", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			msg, err := c.Abandon(ctx, opts.Session)
			if err != nil {
				return WrapExitError(ExitCommandError, "abandon", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), msg)
			}
			cmd.Printf("abandoned %s (%d characters kept)\n", msg.ID, len([]rune(msg.Content)))
			return nil
		},
	}
	addSessionFlag(cmd, opts)

	return cmd
}
