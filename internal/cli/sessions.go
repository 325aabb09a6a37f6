package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sessions",
		Short:         "List sessions, most recently updated first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "create client", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			sessions, err := c.ListSessions(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "list sessions", err)
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			return writeSessions(cmd.OutOrStdout(), sessions)
		},
	}

	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "Print the messages of a session",
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

			msgs, err := c.Messages(ctx, opts.Session)
			if err != nil {
				return WrapExitError(ExitCommandError, "list messages", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), msgs)
			}
			return writeMessages(cmd.OutOrStdout(), msgs)
		},
	}
	addSessionFlag(cmd, opts)

	return cmd
}
