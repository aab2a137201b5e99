// Package syncer connects the local journal to a sync session. It pushes
// pending entries as encrypted batches, records the sequences the server
// acknowledges, and applies entries written by other devices.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/session"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/entrycipher"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/google/uuid"
)

const (
	DefaultBatchSize  = 100
	DefaultRetryDelay = 2 * time.Second
)

type Journal interface {
	Pending(ctx context.Context, limit int) ([]models.Entry, error)
	MarkSynced(ctx context.Context, ids [][]byte, sequences []int64) error
	Apply(ctx context.Context, entries []models.Entry) error
	LastSequence(ctx context.Context) (int64, error)
	Follow(ctx context.Context, remoteID string) (bool, error)
}

type Cipher interface {
	Encrypt(ctx context.Context, recipientPublicKey []byte, entries []models.Entry) (*entrycipher.EncryptedBatch, error)
	Decrypt(ctx context.Context, privateKey []byte, remote []models.EncryptedRemoteEntry) ([]models.Entry, error)
}

// Sender is the part of *session.Session the syncer writes to.
type Sender interface {
	Send(msg protocol.Message)
	Status() session.Status
}

type Options struct {
	Journal    Journal
	Cipher     Cipher
	Identity   *cryptox.Identity
	Logger     logging.Logger
	BatchSize  int
	RetryDelay time.Duration
}

type batch struct {
	msg        protocol.WriteEntries
	ids        [][]byte
	generation int
}

// Syncer implements session.Handler. Bind must be called before the
// session is enabled.
type Syncer struct {
	opts   Options
	logger logging.Logger

	mu         sync.Mutex
	sender     Sender
	generation int
	inflight   map[string]*batch
	queued     map[string]struct{}
	notify     chan struct{}
}

func New(opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Syncer{
		opts:     opts,
		logger:   opts.Logger.With("module", "syncer"),
		inflight: make(map[string]*batch),
		queued:   make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

func (s *Syncer) Bind(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Changed is signalled after acks and applied entries.
func (s *Syncer) Changed() <-chan struct{} {
	return s.notify
}

func (s *Syncer) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// InFlight reports how many batches wait for an ack.
func (s *Syncer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Connected asks for everything after the last applied sequence and pushes
// every pending entry. Batches of earlier connections are forgotten; the
// server deduplicates entries that were delivered twice.
func (s *Syncer) Connected(ctx context.Context) {
	s.mu.Lock()
	s.generation++
	clear(s.inflight)
	clear(s.queued)
	sender := s.sender
	s.mu.Unlock()

	last, err := s.opts.Journal.LastSequence(ctx)
	if err != nil {
		s.logger.Error(ctx, "reading last sequence", "error", err)
		return
	}
	sender.Send(protocol.RequestChanges{StartSequence: last + 1})

	if err := s.push(ctx); err != nil {
		s.logger.Error(ctx, "push failed", "error", err)
	}
}

// Push sends pending entries that are not in flight yet. While the session
// is not connected it does nothing; Connected pushes everything.
func (s *Syncer) Push(ctx context.Context) error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil || sender.Status().State != session.Connected {
		return nil
	}
	return s.push(ctx)
}

func (s *Syncer) push(ctx context.Context) error {
	pending, err := s.opts.Journal.Pending(ctx, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	fresh := pending[:0]
	for _, e := range pending {
		if _, ok := s.queued[string(e.ID)]; !ok {
			fresh = append(fresh, e)
		}
	}
	s.mu.Unlock()

	for start := 0; start < len(fresh); start += s.opts.BatchSize {
		chunk := fresh[start:min(start+s.opts.BatchSize, len(fresh))]
		if err := s.sendBatch(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) sendBatch(ctx context.Context, entries []models.Entry) error {
	enc, err := s.opts.Cipher.Encrypt(ctx, s.opts.Identity.PublicKey, entries)
	if err != nil {
		return err
	}

	msg := protocol.WriteEntries{ID: uuid.NewString(), IV: enc.IV, EncryptedDEK: enc.EncryptedDEK}
	b := &batch{msg: msg}
	for _, e := range enc.Entries {
		b.msg.Entries = append(b.msg.Entries, protocol.WireEntry{EntryID: e.EntryID, EncryptedEntry: e.EncryptedEntry})
		b.ids = append(b.ids, e.EntryID)
	}

	s.mu.Lock()
	b.generation = s.generation
	s.inflight[msg.ID] = b
	for _, id := range b.ids {
		s.queued[string(id)] = struct{}{}
	}
	sender := s.sender
	s.mu.Unlock()

	sender.Send(b.msg)
	s.logger.Debug(ctx, "batch sent", "batch", msg.ID, "entries", len(b.ids))
	return nil
}

func (s *Syncer) HandleMessage(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Hello:
		s.hello(ctx, m)
	case protocol.Ack:
		s.ack(ctx, m)
	case protocol.WriteEntries:
		s.apply(ctx, m)
	case protocol.Ping:
	default:
		s.logger.Debug(ctx, "ignoring message", "tag", msg.Tag())
	}
}

func (s *Syncer) hello(ctx context.Context, m protocol.Hello) {
	reset, err := s.opts.Journal.Follow(ctx, m.RemoteID)
	if err != nil {
		s.logger.Error(ctx, "recording remote id", "error", err)
		return
	}
	if reset {
		s.mu.Lock()
		clear(s.inflight)
		clear(s.queued)
		s.mu.Unlock()
	}
}

func (s *Syncer) ack(ctx context.Context, m protocol.Ack) {
	s.mu.Lock()
	b, ok := s.inflight[m.ID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug(ctx, "ack for unknown batch", "batch", m.ID)
		return
	}

	if len(m.Sequences) == 0 {
		s.logger.Info(ctx, "batch not accepted, retrying later", "batch", m.ID, "retry_in", s.opts.RetryDelay)
		time.AfterFunc(s.opts.RetryDelay, func() { s.retry(b) })
		return
	}
	if len(m.Sequences) != len(b.ids) {
		s.logger.Error(ctx, "ack does not match batch", "batch", m.ID, "entries", len(b.ids), "sequences", len(m.Sequences))
		return
	}

	if err := s.opts.Journal.MarkSynced(ctx, b.ids, m.Sequences); err != nil {
		s.logger.Error(ctx, "marking batch synced", "batch", m.ID, "error", err)
		return
	}

	s.mu.Lock()
	delete(s.inflight, m.ID)
	for _, id := range b.ids {
		delete(s.queued, string(id))
	}
	s.mu.Unlock()
	s.signal()
}

// retry resends a batch unchanged. The ciphertext is identical, so no
// IV is reused for different plaintext.
func (s *Syncer) retry(b *batch) {
	s.mu.Lock()
	current, ok := s.inflight[b.msg.ID]
	stale := !ok || current != b || b.generation != s.generation
	sender := s.sender
	s.mu.Unlock()
	if stale {
		return
	}
	sender.Send(b.msg)
}

func (s *Syncer) apply(ctx context.Context, m protocol.WriteEntries) {
	remote := make([]models.EncryptedRemoteEntry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.Sequence <= 0 {
			continue
		}
		remote = append(remote, models.EncryptedRemoteEntry{
			Sequence:       e.Sequence,
			EntryID:        e.EntryID,
			IV:             m.IV,
			EncryptedDEK:   m.EncryptedDEK,
			EncryptedEntry: e.EncryptedEntry,
		})
	}
	if len(remote) == 0 {
		return
	}

	entries, err := s.opts.Cipher.Decrypt(ctx, s.opts.Identity.PrivateKey, remote)
	if err != nil {
		s.logger.Error(ctx, "dropping undecryptable changes",
			"first_sequence", remote[0].Sequence, "entries", len(remote), "error", err)
		return
	}
	if err := s.opts.Journal.Apply(ctx, entries); err != nil {
		s.logger.Error(ctx, "applying changes", "error", err)
		return
	}
	s.logger.Debug(ctx, "changes applied", "first_sequence", remote[0].Sequence, "entries", len(entries))
	s.signal()
}
