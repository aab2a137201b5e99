// Package ws is the server's sync endpoint. It authenticates the websocket
// handshake, attaches the connection to the namespace actor and pumps
// frames between the two.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/netx"
	"github.com/dmitrijs2005/gophsync/internal/server/actor"
)

const DefaultSendQueue = 1024

// Actors resolves the actor of a namespace; *actor.Registry satisfies it.
type Actors interface {
	Get(ctx context.Context, namespace string) (*actor.Actor, error)
}

// Verifier checks that token grants access to namespace.
type Verifier func(token, namespace string) error

type Handler struct {
	actors       Actors
	verify       Verifier
	logger       logging.Logger
	maxFrameSize int
	sendQueue    int
}

func NewHandler(actors Actors, verify Verifier, maxFrameSize int, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		actors:       actors,
		verify:       verify,
		logger:       logger.With("module", "ws"),
		maxFrameSize: maxFrameSize,
		sendQueue:    DefaultSendQueue,
	}
}

// ParseAuth decodes the auth query value base64(namespace:publicKeyHex:token).
func ParseAuth(raw string) (namespace, publicKeyHex, token string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %v", common.ErrInvalidAuthParam, err)
	}
	parts := strings.SplitN(string(decoded), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", common.ErrInvalidAuthParam
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return "", "", "", fmt.Errorf("%w: public key: %v", common.ErrInvalidAuthParam, err)
	}
	return parts[0], parts[1], parts[2], nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	namespace, publicKey, token, err := ParseAuth(r.URL.Query().Get(common.AuthQueryParam))
	if err != nil {
		http.Error(w, "invalid auth parameter", http.StatusBadRequest)
		return
	}
	if err := h.verify(token, namespace); err != nil {
		h.logger.Info(ctx, "rejected sync connection", "namespace", namespace, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	a, err := h.actors.Get(ctx, namespace)
	if err != nil {
		h.logger.Error(ctx, "namespace unavailable", "namespace", namespace, "error", err)
		http.Error(w, "namespace unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := netx.Upgrade(w, r, h.maxFrameSize)
	if err != nil {
		// the upgrader already answered the request
		h.logger.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}

	p := newPeer(conn, publicKey, h.sendQueue)
	h.serve(ctx, a, p, h.logger.With("namespace", namespace, "peer", publicKey))
}

func (h *Handler) serve(ctx context.Context, a *actor.Actor, p *peer, logger logging.Logger) {
	if err := a.Connect(ctx, p); err != nil {
		logger.Warn(ctx, "actor refused connection", "error", err)
		_ = p.conn.SendClose(netx.CloseTryAgainLater, "namespace unavailable")
		_ = p.conn.Close()
		return
	}
	logger.Info(ctx, "peer connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writePump(ctx)
	}()

	var readErr error
	for {
		frame, err := p.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if err := a.Deliver(ctx, p, frame); err != nil {
			readErr = err
			break
		}
	}
	close(p.readDone)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), common.CloseTimeout)
	if err := a.Disconnect(dctx, p); err != nil {
		logger.Warn(ctx, "disconnect not processed", "error", err)
	}
	cancel()

	p.Close(netx.CloseNormal, "")
	<-writerDone
	_ = p.conn.Close()
	logger.Info(ctx, "peer disconnected", "reason", readErr)
}

// peer is the actor's view of one websocket connection. Send and Close
// never block the actor.
type peer struct {
	conn     netx.Conn
	key      string
	out      chan []byte
	quit     chan struct{}
	readDone chan struct{}

	once   sync.Once
	code   int
	reason string
}

func newPeer(conn netx.Conn, key string, queue int) *peer {
	return &peer{
		conn:     conn,
		key:      key,
		out:      make(chan []byte, queue),
		quit:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (p *peer) Key() string { return p.key }

func (p *peer) Send(frames ...[]byte) {
	for _, f := range frames {
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case p.out <- f:
		default:
			p.Close(netx.CloseTryAgainLater, "send queue full")
			return
		}
	}
}

func (p *peer) Close(code int, reason string) {
	p.once.Do(func() {
		p.code, p.reason = code, reason
		close(p.quit)
	})
}

func (p *peer) writePump(ctx context.Context) {
	for {
		select {
		case f := <-p.out:
			if err := p.conn.WriteMessage(ctx, f); err != nil {
				_ = p.conn.Close()
				return
			}
		case <-p.quit:
			p.flush(ctx)
			p.closeHandshake()
			return
		case <-ctx.Done():
			_ = p.conn.Close()
			return
		}
	}
}

// flush writes whatever was queued before Close.
func (p *peer) flush(ctx context.Context) {
	for {
		select {
		case f := <-p.out:
			if err := p.conn.WriteMessage(ctx, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

// closeHandshake sends the close frame and gives the reader a moment to
// see the answer before the connection is released.
func (p *peer) closeHandshake() {
	if err := p.conn.SendClose(p.code, p.reason); err != nil {
		_ = p.conn.Close()
		return
	}
	t := time.NewTimer(common.CloseTimeout)
	defer t.Stop()
	select {
	case <-p.readDone:
	case <-t.C:
	}
	_ = p.conn.Close()
}
