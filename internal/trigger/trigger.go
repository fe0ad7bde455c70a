// Package trigger makes the target client generate the traffic the capture
// engine waits for.
package trigger

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
)

// Context is what a trigger gets to work with.
type Context struct {
	SessionID  string
	AccountKey string
	ArticleURL string
	ProxyAddr  string
}

// Trigger starts client activity. It must return once the activity has been
// started; waiting for the capture is the orchestrator's job.
type Trigger interface {
	Name() string
	Fire(ctx context.Context, tc Context) error
}

// New builds the trigger for cfg.
func New(cfg config.TriggerConfig, logger *logging.Logger) Trigger {
	if cfg.Mode == "command" {
		return &Command{Program: cfg.Command, Args: cfg.Args, Timeout: cfg.Timeout, Logger: logger}
	}
	return &Manual{Logger: logger}
}

// Manual relies on the operator to open the article.
type Manual struct {
	Logger *logging.Logger
}

func (m *Manual) Name() string { return "manual" }

func (m *Manual) Fire(_ context.Context, tc Context) error {
	if m.Logger != nil {
		m.Logger.Info("waiting for operator to open an article in the client",
			"session_id", tc.SessionID, "article_url", tc.ArticleURL, "proxy", tc.ProxyAddr)
	}
	return nil
}

// Command runs an external program. Args may contain {url}, {account},
// {session} and {proxy} placeholders.
type Command struct {
	Program string
	Args    []string
	Timeout time.Duration
	Logger  *logging.Logger
}

func (c *Command) Name() string { return "command" }

func (c *Command) Fire(ctx context.Context, tc Context) error {
	if c.Program == "" {
		return fmt.Errorf("no trigger program configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := Expand(c.Args, tc)
	out, err := exec.CommandContext(ctx, c.Program, args...).CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s", c.Program, timeout)
		}
		return fmt.Errorf("%s: %w: %s", c.Program, err, strings.TrimSpace(string(out)))
	}
	if c.Logger != nil {
		c.Logger.Debug("trigger program finished", "program", c.Program, "output_length", len(out))
	}
	return nil
}

// Expand substitutes placeholders in args.
func Expand(args []string, tc Context) []string {
	r := strings.NewReplacer(
		"{url}", tc.ArticleURL,
		"{account}", tc.AccountKey,
		"{session}", tc.SessionID,
		"{proxy}", tc.ProxyAddr,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// Func adapts a function to Trigger.
type Func func(ctx context.Context, tc Context) error

func (f Func) Name() string { return "func" }

func (f Func) Fire(ctx context.Context, tc Context) error { return f(ctx, tc) }
