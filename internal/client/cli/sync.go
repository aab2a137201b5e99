package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/journal"
	"github.com/dmitrijs2005/gophsync/internal/client/session"
	"github.com/dmitrijs2005/gophsync/internal/client/syncer"
	"github.com/dmitrijs2005/gophsync/internal/dek"
	"github.com/dmitrijs2005/gophsync/internal/entrycipher"
	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(app *App) *cobra.Command {
	return tolerateConfigFlags(&cobra.Command{
		Use:   "sync",
		Short: "Replicate the journal with the server",
		Long: `Connect to the server, push pending entries and pull everything other
devices wrote since the last sync. The command returns once the journal
has been quiet for a moment, or fails after the sync timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.sync(cmd)
		},
	})
}

func (a *App) sync(cmd *cobra.Command) error {
	ctx := cmd.Context()
	prompts, out := cmd.ErrOrStderr(), cmd.OutOrStdout()

	id, err := a.loadIdentity(prompts)
	if err != nil {
		return err
	}
	token, err := a.token(prompts)
	if err != nil {
		return err
	}

	j, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	salt, err := id.DEKSalt()
	if err != nil {
		return err
	}
	deks, err := dek.NewManager(a.crypto, dek.Options{Salt: salt})
	if err != nil {
		return err
	}

	metrics := entrycipher.NewMetrics(nil)
	s := syncer.New(syncer.Options{
		Journal:  j,
		Cipher:   entrycipher.New(a.crypto, deks, metrics, a.logger),
		Identity: id,
		Logger:   a.logger,
	})
	sess, err := session.New(session.Options{
		URL:          a.config.ServerURL,
		Namespace:    a.config.Namespace,
		PublicKeyHex: id.PublicKeyHex(),
		Token:        token,
		Dialer:       a.dialer,
		Handler:      s,
		Logger:       a.logger,
		MaxFrameSize: a.config.MaxFrameSize,
	})
	if err != nil {
		return err
	}
	s.Bind(sess)

	statuses, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	if err := sess.SetEnabled(ctx, true); err != nil {
		return err
	}
	defer func() { _ = sess.SetEnabled(context.WithoutCancel(ctx), false) }()

	if err := a.waitSettled(ctx, sess, s, j, statuses, out); err != nil {
		return err
	}

	all, err := j.List(ctx)
	if err != nil {
		return err
	}
	pending, err := j.Pending(ctx, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "synced: %d entries, %d pending (encrypted %d, decrypted %d)\n",
		len(all), len(pending), metrics.Entries("encrypt"), metrics.Entries("decrypt"))
	return nil
}

// waitSettled returns once the session is connected, nothing waits to be
// written or acknowledged and no change arrived for a.settle.
func (a *App) waitSettled(ctx context.Context, sess *session.Session, s *syncer.Syncer,
	j *journal.Journal, statuses <-chan session.Status, out io.Writer) error {
	timeout := time.NewTimer(a.config.SyncTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("sync did not settle within %s: %s", a.config.SyncTimeout, sess.Status())
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			lastActivity = time.Now()
			fmt.Fprintln(out, st)
		case <-s.Changed():
			lastActivity = time.Now()
		case <-ticker.C:
			if sess.Status().State != session.Connected || sess.Pending() > 0 || s.InFlight() > 0 {
				continue
			}
			if time.Since(lastActivity) < a.settle {
				continue
			}
			// entries appended by another process while we were connected
			pending, err := j.Pending(ctx, 1)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				if err := s.Push(ctx); err != nil {
					return err
				}
				lastActivity = time.Now()
				continue
			}
			return nil
		}
	}
}
