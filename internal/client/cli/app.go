package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/config"
	"github.com/dmitrijs2005/gophsync/internal/client/journal"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/netx"
)

const (
	defaultSettle = 500 * time.Millisecond
	defaultPoll   = 50 * time.Millisecond
)

// App carries what every command needs: the loaded configuration, the
// logger and the crypto primitives.
type App struct {
	config *config.Config
	logger logging.Logger
	crypto cryptox.Crypto
	dialer netx.Dialer

	// settle is how long sync waits without activity before it stops.
	settle time.Duration
	poll   time.Duration
}

func NewApp(c *config.Config, logger logging.Logger) *App {
	if logger == nil {
		logger = logging.Nop()
	}
	return &App{
		config: c,
		logger: logger,
		crypto: cryptox.New(),
		dialer: netx.WSDialer{MaxFrameSize: c.MaxFrameSize},
		settle: defaultSettle,
		poll:   defaultPoll,
	}
}

func (a *App) openJournal(ctx context.Context) (*journal.Journal, error) {
	return journal.Open(ctx, a.config.DatabasePath, a.logger)
}

// loadIdentity reads the sealed identity file and asks for its passphrase.
func (a *App) loadIdentity(prompts io.Writer) (*cryptox.Identity, error) {
	data, err := os.ReadFile(a.config.IdentityFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no identity at %s, run keygen first", a.config.IdentityFile)
	}
	if err != nil {
		return nil, err
	}

	pass, err := GetSecret(prompts, "Passphrase")
	if err != nil {
		return nil, err
	}
	defer wipe(pass)

	return cryptox.OpenIdentity(a.crypto, data, pass)
}

// token returns the configured session token or asks for one.
func (a *App) token(prompts io.Writer) (string, error) {
	if a.config.Token != "" {
		return a.config.Token, nil
	}
	tok, err := GetSecret(prompts, "Session token for "+a.config.Namespace)
	if err != nil {
		return "", err
	}
	if len(tok) == 0 {
		return "", errors.New("a session token is required")
	}
	return string(tok), nil
}
