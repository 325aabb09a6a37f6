package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

// ChatOptions holds flags for the chat command.
type ChatOptions struct {
	*RootOptions
	Session    string
	Title      string
	MaxResumes int
}

// NewChatCommand creates the chat command.
func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChatOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send a message and stream the answer",
		Long: `Send a message and stream the answer to stdout.

Without --session a new session is created and its id is printed to stderr.
When the connection drops mid-answer the command resumes the turn, up to
--max-resumes times.

Example:
  streamchat chat --session 3f1c... "What is the capital of France?"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&opts.Session, "session", "s", "", "session id (default: create a new session)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title of the created session")
	cmd.Flags().IntVar(&opts.MaxResumes, "max-resumes", 3, "resume attempts after a dropped connection")

	return cmd
}

func runChat(cmd *cobra.Command, opts *ChatOptions, message string) error {
	c, err := newClient(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "create client", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	sessionID := opts.Session
	if sessionID == "" {
		sess, err := c.CreateSession(ctx, opts.Title)
		if err != nil {
			return WrapExitError(ExitCommandError, "create session", err)
		}
		sessionID = sess.ID
		cmd.PrintErrf("session: %s\n", sessionID)
	}

	p := &eventPrinter{format: opts.Format, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
	terminal, err := c.CompleteWithRecovery(ctx, sessionID, message, opts.MaxResumes, p.print)
	if err != nil {
		return WrapExitError(ExitCommandError, "chat", err)
	}
	return turnResult(terminal)
}
