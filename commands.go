package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/follo-ai/session-cli/auth"
	"github.com/follo-ai/session-cli/eventsync"
	"github.com/follo-ai/session-cli/identity"
	"github.com/follo-ai/session-cli/session"
)

// run adapts a command body to cobra, building the app first and reporting
// failures through the displayer.
func (c *cli) run(autoSync bool, fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := c.setup(autoSync)
		if err != nil {
			fmt.Fprintf(c.stderr, "Error: %v\n", err)
			return err
		}
		if err := fn(cmd.Context(), a); err != nil {
			a.display.Fatal(err)
			return err
		}
		return nil
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the stored session against the backend",
		Args:  cobra.NoArgs,
		RunE: c.run(true, func(ctx context.Context, a *app) error {
			err := a.startup(ctx)
			if errors.Is(err, auth.ErrNotAuthenticated) {
				// signed out is a valid status, already shown
				return nil
			}
			if err != nil {
				return err
			}
			a.display.Done(a.summary(ctx))
			return nil
		}),
	}
}

func (c *cli) loginCmd() *cobra.Command {
	var artifact auth.Artifact
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an Apple authorization code",
		Args:  cobra.NoArgs,
		RunE: c.run(true, func(ctx context.Context, a *app) error {
			if err := a.startup(ctx); err == nil {
				a.display.Done(a.summary(ctx))
				return nil
			}

			a.display.SigningIn()
			if _, err := a.ctrl.SignIn(ctx, identity.StaticAuthorizer(artifact)); err != nil {
				if identity.IsCancelled(err) {
					return fmt.Errorf("no authorization code given: %w", err)
				}
				return err
			}
			a.display.Done(a.summary(ctx))
			return nil
		}),
	}
	cmd.Flags().StringVar(&artifact.Code, "code", "", "Authorization code from Sign in with Apple")
	cmd.Flags().StringVar(&artifact.DisplayName, "name", "", "Display name shared on first sign in")
	cmd.Flags().StringVar(&artifact.IdentityToken, "identity-token", "", "Identity token returned with the code")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		Args:  cobra.NoArgs,
		RunE: c.run(false, func(ctx context.Context, a *app) error {
			if err := a.ctrl.Logout(ctx); err != nil {
				return err
			}
			a.display.LoggedOut()
			return nil
		}),
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user as JSON",
		Args:  cobra.NoArgs,
		RunE: c.run(false, func(ctx context.Context, a *app) error {
			err := a.startup(ctx)
			if err != nil {
				// offline: the last known profile is better than nothing
				if u := a.ctrl.CachedUser(); u != nil && a.ctrl.State().Kind == session.Error {
					a.logger.Warn("backend unreachable, showing cached profile", "error", err)
					return printJSON(c.stdout, u)
				}
				return err
			}
			return printJSON(c.stdout, a.ctrl.CachedUser())
		}),
	}
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force an access token refresh",
		Args:  cobra.NoArgs,
		RunE: c.run(false, func(ctx context.Context, a *app) error {
			if err := a.startup(ctx); err != nil {
				return err
			}
			a.display.Refreshing()
			if err := a.ctrl.Refresh(ctx); err != nil {
				a.display.RefreshFailed(err)
				return err
			}
			a.display.RefreshOK()
			a.display.Done(a.summary(ctx))
			return nil
		}),
	}
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push local events and trigger a backend calendar sync",
		Args:  cobra.NoArgs,
		RunE: c.run(false, func(ctx context.Context, a *app) error {
			if err := a.startup(ctx); err != nil {
				return err
			}
			a.display.Syncing()
			res, err := a.sync.Sync(ctx)
			reportSync(a.display, res, err)
			return err
		}),
	}
}

func (c *cli) eventsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List upcoming events stored by the backend",
		Args:  cobra.NoArgs,
		RunE: c.run(false, func(ctx context.Context, a *app) error {
			if err := a.startup(ctx); err != nil {
				return err
			}
			events, err := a.sync.Upcoming(ctx, days)
			if err != nil {
				return err
			}
			return printEvents(c.stdout, events)
		}),
	}
	cmd.Flags().IntVar(&days, "days", 0, "Days ahead to list (default: SYNC_WINDOW_DAYS)")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the current access token",
		Args:  cobra.NoArgs,
		RunE: c.run(false, func(ctx context.Context, a *app) error {
			if err := a.startup(ctx); err != nil {
				return err
			}
			tok, err := a.exec.TokenSource(ctx).Token()
			if err != nil {
				return err
			}
			if raw {
				fmt.Fprintln(c.stdout, tok.AccessToken)
				return nil
			}
			fmt.Fprintf(c.stdout, "Access Token: %s\nToken Type: %s\n", auth.Preview(tok.AccessToken), tok.Type())
			return nil
		}),
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the full token, for use in scripts")
	return cmd
}

func (c *cli) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep the session fresh and sync events periodically",
		Args:  cobra.NoArgs,
		RunE: c.run(true, func(ctx context.Context, a *app) error {
			return a.runDaemon(ctx)
		}),
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printEvents(w io.Writer, events []eventsync.StoredEvent) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "No upcoming events.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tTITLE\tSTATE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.StartAt, ev.EndAt, ev.Title, ev.State)
	}
	return tw.Flush()
}
