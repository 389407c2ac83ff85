package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/NlDbQuery/internal/remote"
	"github.com/JonMunkholm/NlDbQuery/internal/session"
)

const exitWord = "exit"

// runInteractive is the default command: log in, load the model, then answer
// questions until the user types exit, input ends or the process is interrupted.
func (a *app) runInteractive(ctx context.Context) error {
	u := a.ui
	u.banner("Natural Language Database Query System")
	u.println()
	u.println("Enter your ilab credentials:")

	user, password, err := a.credentials(ctx)
	if err != nil {
		return a.interrupted(ctx, err)
	}

	ch, err := a.connect(ctx, user, password)
	if err != nil {
		if ctx.Err() != nil {
			return a.interrupted(ctx, err)
		}
		return errExit
	}
	client := remote.NewClient(ch, a.cfg.Invocation(), a.cfg.Remote.Timeout, a.log)

	opts, err := a.sessionOptions()
	if err != nil {
		u.failure(err.Error())
		a.closeQuietly(client)
		return errExit
	}

	provider, err := a.loadProvider(ctx, u)
	if err != nil {
		a.closeQuietly(client)
		if ctx.Err() != nil {
			return a.interrupted(ctx, err)
		}
		return errExit
	}

	opts.Provider = provider
	opts.Remote = client
	sess := session.New(opts)
	defer func() {
		if err := sess.Close(); err != nil {
			a.log.Warn("release session", "error", err)
		}
		u.println("Connection closed. Goodbye!")
	}()

	u.println()
	u.banner("Ask questions about the mortgage database in plain English.\nType 'exit' to quit.")
	u.println()

	for {
		u.printf("Your question: ")
		line, err := a.lines.ReadLine(ctx)
		if ctx.Err() != nil {
			return a.interrupted(ctx, ctx.Err())
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read question: %w", err)
		}

		question := strings.TrimSpace(line)
		switch {
		case question == exitWord:
			u.println()
			u.println("Goodbye!")
			return nil
		case question != "":
			a.answer(ctx, sess, question)
			if ctx.Err() != nil {
				return a.interrupted(ctx, ctx.Err())
			}
		}

		if errors.Is(err, io.EOF) {
			u.println()
			return nil
		}
	}
}

// credentials asks for the SSH username and password. An empty username falls
// back to the configured SSH user.
func (a *app) credentials(ctx context.Context) (string, string, error) {
	a.ui.printf("Username: ")
	user, err := a.lines.ReadLine(ctx)
	if err != nil && !(errors.Is(err, io.EOF) && user != "") {
		return "", "", err
	}
	user = strings.TrimSpace(user)
	if user == "" {
		user = a.cfg.SSH.User
	}

	a.ui.printf("Password: ")
	password, err := a.lines.ReadPassword(ctx)
	a.ui.println()
	if err != nil && !(errors.Is(err, io.EOF) && password != "") {
		return "", "", err
	}
	return user, password, nil
}

func (a *app) connect(ctx context.Context, user, password string) (remote.Channel, error) {
	u := a.ui
	u.println()
	u.println(fmt.Sprintf("Connecting to %s...", a.cfg.SSH.Host))
	ch, err := a.dial(ctx, a.cfg.SSHDial(user, password))
	if err != nil {
		if errors.Is(err, remote.ErrAuth) {
			u.failure("Authentication failed. Please check your credentials.")
		} else {
			u.failure(fmt.Sprintf("Connection failed: %v", err))
		}
		a.log.Debug("ssh dial failed", "host", a.cfg.SSH.Host, "user", user, "error", err)
		return nil, err
	}
	u.success("Connected successfully!")
	return ch, nil
}

func (a *app) answer(ctx context.Context, sess *session.Session, question string) {
	u := a.ui
	u.println()
	stop := u.spin("Generating SQL query...")
	sql := sess.Generate(ctx, question)
	stop()
	if ctx.Err() != nil {
		return
	}
	u.label("Generated SQL: ", sql)
	u.println()

	stop = u.spin(fmt.Sprintf("Executing query on %s...", a.cfg.SSH.Host))
	out, err := sess.Execute(ctx, sql)
	stop()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		u.failure(err.Error())
		return
	}
	u.text(out)
	u.println()
}

// interrupted reports an interrupt and ends the command successfully. Any other
// error is returned as is.
func (a *app) interrupted(ctx context.Context, err error) error {
	if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			a.ui.println()
			return errExit
		}
		return err
	}
	a.ui.println()
	a.ui.println()
	a.ui.println("Interrupted by user.")
	return nil
}

func (a *app) closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		a.log.Warn("close remote channel", "error", err)
	}
}
