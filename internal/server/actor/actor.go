// Package actor serializes everything that happens to one namespace on the
// server: sequencing writes, answering backfill requests and broadcasting
// accepted entries to the other connected devices.
//
// Each Actor owns one goroutine. Connect, Deliver, Disconnect and
// BroadcastExternal only enqueue work for it, so storage, peers and stats
// are never touched concurrently. Work enqueued while the actor is still
// initializing waits until it is Ready.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/netx"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/dmitrijs2005/gophsync/internal/server/storage"
)

const (
	DefaultStatsInterval = 5 * time.Second
	DefaultKeepAlive     = 30 * time.Second
	mailboxSize          = 256
)

var ErrStopped = errors.New("actor stopped")

type Phase int32

const (
	Uninitialized Phase = iota
	Initializing
	Ready
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Peer is one connected device as seen by the actor. Implementations must
// not block in Send or Close.
type Peer interface {
	// Key identifies the device. A new connection with the same key
	// replaces the previous one.
	Key() string
	Send(frames ...[]byte)
	Close(code int, reason string)
}

// Fanout receives every accepted change for delivery to other server
// instances.
type Fanout interface {
	Publish(ctx context.Context, c protocol.Change) error
}

type Options struct {
	Namespace   string
	Storage     storage.Namespace
	RateLimiter RateLimiter
	Fanout      Fanout
	// Setup runs once after the remote id and stats were loaded.
	Setup   func(ctx context.Context) error
	Logger  logging.Logger
	Metrics *Metrics

	MaxFrameSize  int
	StatsInterval time.Duration
	KeepAlive     time.Duration
	Now           func() time.Time
}

type peerState struct {
	decoder    *protocol.Decoder
	subscribed bool
}

type Actor struct {
	opts    Options
	logger  logging.Logger
	encoder protocol.Encoder
	mailbox chan any
	done    chan struct{}
	phase   atomic.Int32
	err     error

	// Owned by the run goroutine.
	remoteID string
	stats    models.WriteStats
	dirty    bool
	peers    map[Peer]*peerState
}

type (
	connectMsg struct {
		peer  Peer
		reply chan struct{}
	}
	deliverMsg struct {
		peer  Peer
		frame []byte
	}
	disconnectMsg struct {
		peer  Peer
		reply chan struct{}
	}
	externalMsg struct {
		frames [][]byte
	}
)

func New(opts Options) *Actor {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.RateLimiter == nil {
		opts.RateLimiter = Unlimited{}
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = common.DefaultMaxFrameSize
	}
	return &Actor{
		opts:    opts,
		logger:  opts.Logger.With("module", "actor", "namespace", opts.Namespace),
		encoder: protocol.Encoder{MaxFrameSize: opts.MaxFrameSize},
		mailbox: make(chan any, mailboxSize),
		done:    make(chan struct{}),
		peers:   make(map[Peer]*peerState),
	}
}

func (a *Actor) Phase() Phase {
	return Phase(a.phase.Load())
}

// Done is closed once Run has returned.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Err reports why the actor stopped. It is only meaningful after Done.
func (a *Actor) Err() error {
	return a.err
}

// Run initializes the actor and processes its mailbox until ctx ends.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.done)
	a.opts.Metrics.actor(1)
	defer a.opts.Metrics.actor(-1)

	if err := a.init(ctx); err != nil {
		a.phase.Store(int32(Stopped))
		a.err = err
		a.logger.Error(ctx, "actor initialization failed", "error", err)
		return err
	}

	keepAlive := time.NewTicker(a.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown(context.WithoutCancel(ctx))
			a.err = ErrStopped
			return nil
		case <-keepAlive.C:
			a.ping()
		case m := <-a.mailbox:
			a.handle(ctx, m)
		}
	}
}

func (a *Actor) init(ctx context.Context) error {
	a.phase.Store(int32(Initializing))

	id, err := a.opts.Storage.RemoteID(ctx)
	if err != nil {
		return fmt.Errorf("load remote id: %w", err)
	}
	stats, err := a.opts.Storage.LoadStats(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	a.remoteID, a.stats = id, stats

	if a.opts.Setup != nil {
		if err := a.opts.Setup(ctx); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}

	a.phase.Store(int32(Ready))
	a.logger.Debug(ctx, "actor ready", "remote_id", id, "writes", stats.Count)
	return nil
}

func (a *Actor) enqueue(ctx context.Context, m any) error {
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	select {
	case a.mailbox <- m:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) await(ctx context.Context, reply chan struct{}) error {
	select {
	case <-reply:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers peer and sends it Hello. It returns once the actor is
// Ready and the peer is registered.
func (a *Actor) Connect(ctx context.Context, peer Peer) error {
	reply := make(chan struct{})
	if err := a.enqueue(ctx, connectMsg{peer: peer, reply: reply}); err != nil {
		return err
	}
	return a.await(ctx, reply)
}

// Deliver hands one inbound frame of peer to the actor.
func (a *Actor) Deliver(ctx context.Context, peer Peer, frame []byte) error {
	return a.enqueue(ctx, deliverMsg{peer: peer, frame: frame})
}

// Disconnect drops peer and flushes pending stats.
func (a *Actor) Disconnect(ctx context.Context, peer Peer) error {
	reply := make(chan struct{})
	if err := a.enqueue(ctx, disconnectMsg{peer: peer, reply: reply}); err != nil {
		return err
	}
	return a.await(ctx, reply)
}

// BroadcastExternal sends frames received from another server instance to
// every subscribed local peer.
func (a *Actor) BroadcastExternal(ctx context.Context, frames [][]byte) error {
	return a.enqueue(ctx, externalMsg{frames: frames})
}

func (a *Actor) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case connectMsg:
		a.connect(ctx, m.peer)
		close(m.reply)
	case deliverMsg:
		a.deliver(ctx, m.peer, m.frame)
	case disconnectMsg:
		a.disconnect(ctx, m.peer)
		close(m.reply)
	case externalMsg:
		a.broadcast(nil, m.frames, "external")
	case func():
		m()
	}
}

func (a *Actor) connect(ctx context.Context, peer Peer) {
	for old := range a.peers {
		if old.Key() == peer.Key() && old != peer {
			a.logger.Info(ctx, "replacing session", "peer", peer.Key())
			old.Close(netx.CloseSessionReplaced, "session replaced")
			a.drop(old)
		}
	}

	if _, ok := a.peers[peer]; !ok {
		a.peers[peer] = &peerState{decoder: protocol.NewDecoder(), subscribed: true}
		a.opts.Metrics.peer(1)
	}
	a.send(peer, "hello", protocol.Hello{RemoteID: a.remoteID})
}

func (a *Actor) disconnect(ctx context.Context, peer Peer) {
	a.drop(peer)
	if a.dirty {
		a.flushStats(ctx)
	}
}

func (a *Actor) drop(peer Peer) {
	if _, ok := a.peers[peer]; ok {
		delete(a.peers, peer)
		a.opts.Metrics.peer(-1)
	}
}

func (a *Actor) deliver(ctx context.Context, peer Peer, frame []byte) {
	st, ok := a.peers[peer]
	if !ok {
		a.logger.Debug(ctx, "frame from unknown peer dropped", "size", len(frame))
		return
	}

	msg, complete, err := st.decoder.Decode(frame)
	if err != nil {
		a.opts.Metrics.badFrame()
		a.logger.Warn(ctx, "dropping malformed frame", "peer", peer.Key(), "size", len(frame), "error", err)
		return
	}
	if !complete {
		return
	}
	a.dispatch(ctx, peer, st, msg)
}

func (a *Actor) dispatch(ctx context.Context, peer Peer, st *peerState, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.WriteEntries:
		a.write(ctx, peer, m)
	case protocol.RequestChanges:
		st.subscribed = true
		a.changes(ctx, peer, m.StartSequence)
	case protocol.StopChanges:
		st.subscribed = false
	case protocol.Ping:
	default:
		a.logger.Debug(ctx, "ignoring message", "type", fmt.Sprintf("%T", msg))
	}
}

func (a *Actor) write(ctx context.Context, peer Peer, m protocol.WriteEntries) {
	if !a.opts.RateLimiter.Allow(a.opts.Namespace, len(m.Entries)) {
		a.opts.Metrics.write("denied", 0)
		a.logger.Info(ctx, "write rate limited", "batch", m.ID, "entries", len(m.Entries))
		a.send(peer, "ack", protocol.Ack{ID: m.ID})
		return
	}

	batch := storage.Batch{IV: m.IV, EncryptedDEK: m.EncryptedDEK}
	for _, e := range m.Entries {
		batch.Entries = append(batch.Entries, models.EncryptedEntry{EntryID: e.EntryID, EncryptedEntry: e.EncryptedEntry})
	}

	stored, err := a.opts.Storage.Write(ctx, batch)
	if err != nil {
		a.opts.Metrics.write("failed", 0)
		a.logger.Error(ctx, "write failed", "batch", m.ID, "entries", len(m.Entries), "error", err)
		return
	}
	a.opts.Metrics.write("accepted", len(stored))

	seqs := make([]int64, 0, len(stored))
	for _, r := range stored {
		seqs = append(seqs, r.Sequence)
	}
	a.send(peer, "ack", protocol.Ack{ID: m.ID, Sequences: seqs})

	a.stats.Count += int64(len(stored))
	a.dirty = true
	if a.opts.Now().Sub(a.stats.LastFlush) >= a.opts.StatsInterval {
		a.flushStats(ctx)
	}

	if len(stored) == 0 {
		return
	}
	frames := a.frames(ctx, protocol.SplitChangesResponse(stored, a.encoder.MaxFrameSize))
	a.broadcast(peer, frames, "change")

	if a.opts.Fanout != nil {
		change := protocol.Change{
			Namespace:     a.opts.Namespace,
			FirstSequence: stored[0].Sequence,
			LastSequence:  stored[len(stored)-1].Sequence,
			Frames:        frames,
		}
		if err := a.opts.Fanout.Publish(ctx, change); err != nil {
			a.logger.Warn(ctx, "fanout failed", "batch", m.ID, "error", err)
		}
	}
}

func (a *Actor) changes(ctx context.Context, peer Peer, start int64) {
	entries, err := a.opts.Storage.Entries(ctx, start)
	if err != nil {
		a.logger.Error(ctx, "backfill failed", "start", start, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	frames := a.frames(ctx, protocol.SplitChangesResponse(entries, a.encoder.MaxFrameSize))
	peer.Send(frames...)
	a.opts.Metrics.sent("backfill", len(frames))
	a.logger.Debug(ctx, "backfill sent", "start", start, "entries", len(entries), "frames", len(frames))
}

func (a *Actor) frames(ctx context.Context, msgs []protocol.WriteEntries) [][]byte {
	var out [][]byte
	for _, m := range msgs {
		f, err := a.encoder.Frames(m)
		if err != nil {
			a.logger.Error(ctx, "encode changes", "error", err)
			continue
		}
		out = append(out, f...)
	}
	return out
}

// broadcast sends frames to every subscribed peer except skip.
func (a *Actor) broadcast(skip Peer, frames [][]byte, kind string) {
	if len(frames) == 0 {
		return
	}
	for p, st := range a.peers {
		if p == skip || !st.subscribed {
			continue
		}
		p.Send(frames...)
		a.opts.Metrics.sent(kind, len(frames))
	}
}

func (a *Actor) send(peer Peer, kind string, msg protocol.Message) {
	frames, err := a.encoder.Frames(msg)
	if err != nil {
		a.logger.Error(context.Background(), "encode reply", "type", kind, "error", err)
		return
	}
	peer.Send(frames...)
	a.opts.Metrics.sent(kind, len(frames))
}

func (a *Actor) ping() {
	if len(a.peers) == 0 {
		return
	}
	frames, err := a.encoder.Frames(protocol.Ping{})
	if err != nil {
		return
	}
	for p := range a.peers {
		p.Send(frames...)
	}
	a.opts.Metrics.sent("ping", len(a.peers))
}

func (a *Actor) flushStats(ctx context.Context) {
	s := a.stats
	s.LastFlush = a.opts.Now()
	if err := a.opts.Storage.SaveStats(ctx, s); err != nil {
		a.logger.Warn(ctx, "saving write stats failed", "error", err)
		return
	}
	a.stats, a.dirty = s, false
}

func (a *Actor) shutdown(ctx context.Context) {
	a.phase.Store(int32(Stopped))
	for p := range a.peers {
		p.Close(netx.CloseServiceRestart, "server shutting down")
		a.drop(p)
	}
	if a.dirty {
		a.flushStats(ctx)
	}
}
