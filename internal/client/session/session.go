// Package session owns the client side of one sync connection: connection
// state, the outgoing write gate, chunked framing and the reconnect
// schedule.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/netx"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultGrace    = 600 * time.Millisecond
	maxBackoff      = 15 * time.Second
	baseBackoff     = 200 * time.Millisecond
	backoffJitter   = 20
	subscriberQueue = 16

	// stop outwaits the close handshake by this much.
	stopHeadroom = 250 * time.Millisecond
)

// DefaultBackoff is min(15s, 200ms*2^n +/- 20%). The inner cap keeps the
// jitter arithmetic away from overflow after many attempts.
func DefaultBackoff() retry.Backoff {
	b := retry.NewExponential(baseBackoff)
	b = retry.WithCappedDuration(2*maxBackoff, b)
	b = retry.WithJitterPercent(backoffJitter, b)
	return retry.WithCappedDuration(maxBackoff, b)
}

// Handler receives what arrives on the connection.
type Handler interface {
	// Connected is called on every transition into the Connected state.
	Connected(ctx context.Context)
	HandleMessage(ctx context.Context, msg protocol.Message)
}

type Options struct {
	URL          string
	Namespace    string
	PublicKeyHex string
	Token        string

	Dialer       netx.Dialer
	Handler      Handler
	Logger       logging.Logger
	MaxFrameSize int
	Grace        time.Duration
	CloseTimeout time.Duration
	NewBackoff   func() retry.Backoff
}

// Session is safe for concurrent use.
type Session struct {
	opts    Options
	url     string
	logger  logging.Logger
	encoder protocol.Encoder
	outbox  *outbox

	// sem serializes SetEnabled so runs never overlap.
	sem    *semaphore.Weighted
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  Status
	subs    map[int]chan Status
	nextSub int
}

// ConnectURL appends the auth query parameter, base64(ns:pubhex:token).
func ConnectURL(base, namespace, publicKeyHex, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse sync url: %w", err)
	}
	q := u.Query()
	auth := namespace + ":" + publicKeyHex + ":" + token
	q.Set(common.AuthQueryParam, base64.StdEncoding.EncodeToString([]byte(auth)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func New(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("session: handler is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = common.CloseTimeout
	}
	if opts.NewBackoff == nil {
		opts.NewBackoff = DefaultBackoff
	}

	u, err := ConnectURL(opts.URL, opts.Namespace, opts.PublicKeyHex, opts.Token)
	if err != nil {
		return nil, err
	}

	return &Session{
		opts:    opts,
		url:     u,
		logger:  opts.Logger.With("module", "session", "namespace", opts.Namespace),
		encoder: protocol.Encoder{MaxFrameSize: opts.MaxFrameSize},
		outbox:  newOutbox(),
		sem:     semaphore.NewWeighted(1),
		status:  Status{State: Disconnected},
		subs:    make(map[int]chan Status),
	}, nil
}

// SetEnabled starts or stops syncing. Enabling tears down any previous run
// first. Disabling sends a normal close and waits for it at most
// CloseTimeout.
func (s *Session) SetEnabled(ctx context.Context, enabled bool) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	s.stop(ctx)

	if !enabled {
		s.setStatus(Status{State: Disconnected})
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		s.run(runCtx)
	}()
	return nil
}

func (s *Session) stop(ctx context.Context) {
	if s.cancel == nil {
		return
	}
	s.cancel()

	t := time.NewTimer(s.opts.CloseTimeout + stopHeadroom)
	defer t.Stop()
	select {
	case <-s.done:
	case <-t.C:
		s.logger.Warn(ctx, "previous connection did not finish closing in time")
	}
	s.cancel, s.done = nil, nil
}

// Send queues msg. It is written once the session is Connected and kept
// across reconnects until it has been written.
func (s *Session) Send(msg protocol.Message) {
	s.outbox.push(msg)
}

// Pending reports how many messages wait to be written.
func (s *Session) Pending() int {
	return s.outbox.len()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe returns a channel of status changes. Slow subscribers lose the
// oldest updates, never the latest one.
func (s *Session) Subscribe() (<-chan Status, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Status, subscriberQueue)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Session) run(ctx context.Context) {
	backoff := s.opts.NewBackoff()

	for {
		s.setStatus(Status{State: Connecting})

		connected, err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = s.opts.NewBackoff()
		}

		sockErr := classify(err)
		if !sockErr.Expected {
			s.setStatus(Status{State: Error, Reason: sockErr.Reason})
		}

		delay, stop := backoff.Next()
		if stop {
			s.logger.Error(ctx, "giving up reconnecting", "error", sockErr)
			return
		}
		retryAt := time.Now().Add(delay)
		s.setStatus(Status{State: Reconnecting, RetryAt: retryAt})
		s.logger.Warn(ctx, "connection lost",
			"code", sockErr.Code,
			"reason", sockErr.Reason,
			"next_retry_at", retryAt.Format(time.RFC3339Nano))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connect runs one connection until it ends. It reports whether the
// connection ever reached Connected.
func (s *Session) connect(ctx context.Context) (bool, error) {
	conn, err := s.opts.Dialer.Dial(ctx, s.url)
	if err != nil {
		return false, err
	}

	c := &connection{
		session: s,
		conn:    conn,
		gate:    newGate(),
		decoder: protocol.NewDecoder(),
		readEnd: make(chan struct{}),
	}
	err = c.serve(ctx)
	return c.wasConnected(), err
}

// connection is the state of one dialed transport. Its read and write
// loops share nothing but the gate.
type connection struct {
	session *Session
	conn    netx.Conn
	gate    *gate
	decoder *protocol.Decoder
	readEnd chan struct{}

	mu           sync.Mutex
	graceElapsed bool
	gotMessage   bool
	connected    bool
}

func (c *connection) serve(ctx context.Context) error {
	s := c.session
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(c.readEnd)
		return c.readLoop(gctx)
	})
	g.Go(func() error {
		return c.writeLoop(gctx)
	})
	g.Go(func() error {
		t := time.NewTimer(s.opts.Grace)
		defer t.Stop()
		select {
		case <-gctx.Done():
		case <-t.C:
			c.observe(gctx, true, false)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			if err := c.conn.SendClose(netx.CloseNormal, ""); err == nil {
				t := time.NewTimer(s.opts.CloseTimeout)
				select {
				case <-c.readEnd:
				case <-t.C:
				}
				t.Stop()
			}
		}
		return c.conn.Close()
	})

	return g.Wait()
}

func (c *connection) readLoop(ctx context.Context) error {
	s := c.session
	for {
		frame, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, ok, err := c.decoder.Decode(frame)
		if err != nil {
			s.logger.Warn(ctx, "dropping malformed frame", "size", len(frame), "error", err)
			continue
		}
		if ok {
			s.opts.Handler.HandleMessage(ctx, msg)
		}
		c.observe(ctx, false, true)
	}
}

func (c *connection) writeLoop(ctx context.Context) error {
	s := c.session
	if err := c.gate.wait(ctx); err != nil {
		return nil
	}

	for {
		msg, err := s.outbox.peek(ctx)
		if err != nil {
			return nil
		}

		frames, err := s.encoder.Frames(msg)
		if err != nil {
			s.logger.Error(ctx, "dropping message that cannot be encoded", "type", fmt.Sprintf("%T", msg), "error", err)
			s.outbox.pop()
			continue
		}
		for _, f := range frames {
			if err := c.conn.WriteMessage(ctx, f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		s.outbox.pop()
	}
}

// observe records the grace timer firing or a message arriving and moves
// the session to Connected once both happened.
func (c *connection) observe(ctx context.Context, grace, message bool) {
	c.mu.Lock()
	c.graceElapsed = c.graceElapsed || grace
	c.gotMessage = c.gotMessage || message
	ready := c.graceElapsed && c.gotMessage && !c.connected
	if ready {
		c.connected = true
	}
	c.mu.Unlock()

	if !ready || ctx.Err() != nil {
		return
	}

	s := c.session
	s.setStatus(Status{State: Connected})
	s.logger.Info(ctx, "connected", "pending", s.outbox.len())
	c.gate.open()
	s.opts.Handler.Connected(ctx)
}

func (c *connection) wasConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
