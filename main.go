package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"

	"github.com/follo-ai/session-cli/config"
	"github.com/follo-ai/session-cli/logger"
	"github.com/follo-ai/session-cli/transport"
	"github.com/follo-ai/session-cli/tui"
)

// cli holds the root flags and the per-invocation resources that outlive a
// single command's RunE.
type cli struct {
	serverURL string
	tokenFile string
	logLevel  string
	noSync    bool

	stdout io.Writer
	stderr io.Writer
	tty    bool

	// newDoer builds the HTTP transport; tests swap it for a test server client.
	newDoer func() (transport.Doer, error)

	program *tea.Program
	tuiDone sync.WaitGroup
	logFile *os.File
	app     *app
}

func newCLI() *cli {
	return &cli{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		tty:     isTTY(),
		newDoer: transport.NewDefault,
	}
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	c := newCLI()
	root := c.rootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	c.close()
	if err != nil {
		os.Exit(1)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "follo",
		Short: "Manage the Follo session and sync calendar events",
		Long: `follo keeps a signed-in session with the Follo backend, refreshing tokens
as needed, and pushes local calendar events once signed in.

Environment Variables:
  SERVER_URL        Backend URL (default: http://localhost:8000)
  TOKEN_FILE        Session storage file (default: .follo-session.json)
  EVENTS_FILE       JSON file of local events to sync
  SYNC_INTERVAL     Daemon sync interval (default: 15m)
  METRICS_ADDR      Daemon metrics listen address
  LOG_LEVEL         debug, info, warn, error (default: info)
  LOG_FORMAT        text, json (default: text)
  LOG_FILE          Log destination while the TUI is active`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	root.PersistentFlags().StringVar(&c.serverURL, "server-url", "", "Backend URL (overrides SERVER_URL)")
	root.PersistentFlags().StringVar(&c.tokenFile, "token-file", "", "Session storage file (overrides TOKEN_FILE)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&c.noSync, "no-sync", false, "Do not sync events after signing in")

	root.AddCommand(
		c.statusCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.refreshCmd(),
		c.syncCmd(),
		c.eventsCmd(),
		c.tokenCmd(),
		c.daemonCmd(),
	)
	return root
}

// loadConfig applies flag > env > default.
func (c *cli) loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if c.serverURL != "" {
		cfg.ServerURL = c.serverURL
	}
	if c.tokenFile != "" {
		cfg.TokenFile = c.tokenFile
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setup builds the app for one command. autoSync starts an event sync after
// each successful authentication unless --no-sync is set.
func (c *cli) setup(autoSync bool) (*app, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.InsecureTransport() {
		fmt.Fprintln(c.stderr, "⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!")
		fmt.Fprintln(c.stderr, "⚠️  This is only safe for local development. Use HTTPS in production.")
		fmt.Fprintln(c.stderr)
	}

	log, err := c.initLogger(cfg)
	if err != nil {
		return nil, err
	}

	doer, err := c.newDoer()
	if err != nil {
		return nil, err
	}

	c.app = newApp(cfg, doer, c.displayer(), log, autoSync && !c.noSync)
	c.app.display.Banner()
	return c.app, nil
}

// initLogger sends logs to LOG_FILE when set. Without one, logs go to stderr
// unless the TUI owns it.
func (c *cli) initLogger(cfg config.Config) (*slog.Logger, error) {
	var w io.Writer = c.stderr
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		c.logFile = f
		w = f
	case c.tty:
		w = io.Discard
	}
	return logger.Init(w, cfg.LogLevel, cfg.LogFormat), nil
}

func (c *cli) displayer() tui.Displayer {
	if !c.tty {
		return tui.NewPlainDisplayer(c.stderr)
	}

	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	c.program = tea.NewProgram(tui.NewModel(), tea.WithOutput(c.stderr), tea.WithInput(nil))
	c.tuiDone.Add(1)
	go func() {
		defer c.tuiDone.Done()
		if _, err := c.program.Run(); err != nil {
			fmt.Fprintf(c.stderr, "TUI error: %v\n", err)
		}
	}()
	return tui.NewProgramDisplayer(c.program)
}

// close releases everything setup acquired. It is safe to call when setup
// never ran.
func (c *cli) close() {
	if c.app != nil {
		c.app.close()
	}
	if c.program != nil {
		c.program.Quit() // let BubbleTea drain terminal query responses before exiting
		c.tuiDone.Wait()
	}
	if c.logFile != nil {
		c.logFile.Close()
	}
}
