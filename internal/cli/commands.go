package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/NlDbQuery/internal/session"
)

func newDigestCmd(a *app) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the schema context embedded in every prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.offlineSession()
			if err != nil {
				return err
			}
			if full {
				for _, line := range sess.Digest().Lines() {
					a.ui.text(line)
				}
				return nil
			}
			a.ui.text(sess.SchemaText())
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "all", false, "Print the full digest instead of the prompt representation")
	return cmd
}

func newPromptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <question>",
		Short: "Print the prompt sent to the model for a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.offlineSession()
			if err != nil {
				return err
			}
			a.ui.text(sess.Prompt(strings.Join(args, " ")))
			return nil
		},
	}
}

func newGenerateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "generate <question>",
		Short: "Print the SQL generated for a question without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.modelSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := sess.Close(); err != nil {
					a.log.Warn("release session", "error", err)
				}
			}()
			a.ui.text(sess.Generate(cmd.Context(), strings.Join(args, " ")))
			return nil
		},
	}
}

// offlineSession builds a session with no model and no remote channel. Only the
// schema accessors may be used on it.
func (a *app) offlineSession() (*session.Session, error) {
	opts, err := a.sessionOptions()
	if err != nil {
		return nil, err
	}
	return session.New(opts), nil
}

// modelSession builds a session with a loaded model but no remote channel. Model
// progress goes to stderr so stdout carries only the result.
func (a *app) modelSession(ctx context.Context) (*session.Session, error) {
	opts, err := a.sessionOptions()
	if err != nil {
		return nil, err
	}
	p, err := a.loadProvider(ctx, newUI(a.errOut))
	if err != nil {
		return nil, errExit
	}
	opts.Provider = p
	return session.New(opts), nil
}
