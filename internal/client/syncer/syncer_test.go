package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/journal"
	"github.com/dmitrijs2005/gophsync/internal/client/session"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/dek"
	"github.com/dmitrijs2005/gophsync/internal/entrycipher"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	state session.State
	sent  []protocol.Message
}

func (f *fakeSender) Send(msg protocol.Message) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
}

func (f *fakeSender) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Status{State: f.state}
}

func (f *fakeSender) take() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type device struct {
	syncer  *Syncer
	journal *journal.Journal
	sender  *fakeSender
	cipher  *entrycipher.Cipher
}

func newCipher(t *testing.T, id *cryptox.Identity) *entrycipher.Cipher {
	t.Helper()
	c := cryptox.New()
	salt, err := id.DEKSalt()
	require.NoError(t, err)
	deks, err := dek.NewManager(c, dek.Options{Salt: salt})
	require.NoError(t, err)
	return entrycipher.New(c, deks, nil, nil)
}

func newDevice(t *testing.T, id *cryptox.Identity, opts Options) *device {
	t.Helper()
	j, err := journal.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	opts.Journal = j
	opts.Cipher = newCipher(t, id)
	opts.Identity = id
	s := New(opts)
	sender := &fakeSender{}
	s.Bind(sender)
	return &device{syncer: s, journal: j, sender: sender, cipher: opts.Cipher.(*entrycipher.Cipher)}
}

func identity(t *testing.T) *cryptox.Identity {
	t.Helper()
	id, err := cryptox.GenerateIdentity(cryptox.New())
	require.NoError(t, err)
	return id
}

func appendN(t *testing.T, j *journal.Journal, n int) []models.Entry {
	t.Helper()
	var out []models.Entry
	for i := 0; i < n; i++ {
		e, err := j.Append(context.Background(), []byte{byte('a' + i)})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func batches(msgs []protocol.Message) []protocol.WriteEntries {
	var out []protocol.WriteEntries
	for _, m := range msgs {
		if w, ok := m.(protocol.WriteEntries); ok {
			out = append(out, w)
		}
	}
	return out
}

func ackAll(ctx context.Context, s *Syncer, bs []protocol.WriteEntries, next int64) int64 {
	for _, b := range bs {
		seqs := make([]int64, 0, len(b.Entries))
		for range b.Entries {
			seqs = append(seqs, next)
			next++
		}
		s.HandleMessage(ctx, protocol.Ack{ID: b.ID, Sequences: seqs})
	}
	return next
}

func TestConnected_RequestsChangesAndPushesPending(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, identity(t), Options{BatchSize: 2})
	appendN(t, d.journal, 3)
	require.NoError(t, d.journal.Apply(ctx, []models.Entry{{ID: []byte("old"), Payload: []byte("x"), CreatedAt: time.Now(), RemoteSequence: 7}}))

	d.syncer.Connected(ctx)

	sent := d.sender.take()
	require.NotEmpty(t, sent)
	assert.Equal(t, protocol.RequestChanges{StartSequence: 8}, sent[0])

	bs := batches(sent)
	require.Len(t, bs, 2)
	assert.Len(t, bs[0].Entries, 2)
	assert.Len(t, bs[1].Entries, 1)
	assert.NotEqual(t, bs[0].ID, bs[1].ID)
	assert.Len(t, bs[0].EncryptedDEK, dek.EncryptedDEKLength)
	assert.Equal(t, 2, d.syncer.InFlight())

	// a second push does not resend what is already in flight
	d.sender.state = session.Connected
	require.NoError(t, d.syncer.Push(ctx))
	assert.Empty(t, d.sender.take())

	ackAll(ctx, d.syncer, bs, 8)

	select {
	case <-d.syncer.Changed():
	default:
		t.Fatal("ack was not signalled")
	}
	assert.Equal(t, 0, d.syncer.InFlight())

	pending, err := d.journal.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := d.journal.List(ctx)
	require.NoError(t, err)
	var seqs []int64
	for _, e := range all {
		seqs = append(seqs, e.RemoteSequence)
	}
	assert.Equal(t, []int64{7, 8, 9, 10}, seqs)
}

func TestPush_OnlyWhileConnected(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, identity(t), Options{})
	appendN(t, d.journal, 1)

	d.sender.state = session.Reconnecting
	require.NoError(t, d.syncer.Push(ctx))
	assert.Empty(t, d.sender.take())

	d.sender.state = session.Connected
	require.NoError(t, d.syncer.Push(ctx))
	assert.Len(t, batches(d.sender.take()), 1)
}

func TestAck_EmptyMeansRetryLater(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, identity(t), Options{RetryDelay: 10 * time.Millisecond})
	appendN(t, d.journal, 2)

	d.syncer.Connected(ctx)
	first := batches(d.sender.take())
	require.Len(t, first, 1)

	d.syncer.HandleMessage(ctx, protocol.Ack{ID: first[0].ID})
	require.Eventually(t, func() bool { return d.sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	resent := batches(d.sender.take())
	require.Len(t, resent, 1)
	assert.Equal(t, first[0], resent[0], "the batch is resent byte for byte")
	assert.Equal(t, 1, d.syncer.InFlight())

	pending, err := d.journal.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestAck_StaleRetryIsDropped(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, identity(t), Options{RetryDelay: 20 * time.Millisecond})
	appendN(t, d.journal, 1)

	d.syncer.Connected(ctx)
	first := batches(d.sender.take())
	d.syncer.HandleMessage(ctx, protocol.Ack{ID: first[0].ID})

	// reconnecting before the retry fires pushes a fresh batch instead
	d.syncer.Connected(ctx)
	again := batches(d.sender.take())
	require.Len(t, again, 1)
	assert.NotEqual(t, first[0].ID, again[0].ID)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, d.sender.count())
}

func TestAck_UnknownOrMismatched(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, identity(t), Options{})
	appendN(t, d.journal, 2)
	d.syncer.Connected(ctx)
	bs := batches(d.sender.take())

	d.syncer.HandleMessage(ctx, protocol.Ack{ID: "nope", Sequences: []int64{1}})
	d.syncer.HandleMessage(ctx, protocol.Ack{ID: bs[0].ID, Sequences: []int64{1}})

	assert.Equal(t, 1, d.syncer.InFlight())
	pending, err := d.journal.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestWriteEntries_FromAnotherDeviceAreApplied(t *testing.T) {
	ctx := context.Background()
	id := identity(t)
	laptop := newDevice(t, id, Options{})
	phone := newDevice(t, id, Options{})

	written := appendN(t, laptop.journal, 2)
	laptop.syncer.Connected(ctx)
	bs := batches(laptop.sender.take())
	require.Len(t, bs, 1)

	// what the server broadcasts: the same batch stamped with sequences
	change := bs[0]
	change.Entries = append([]protocol.WireEntry(nil), change.Entries...)
	for i := range change.Entries {
		change.Entries[i].Sequence = int64(i + 1)
	}
	phone.syncer.HandleMessage(ctx, change)

	select {
	case <-phone.syncer.Changed():
	default:
		t.Fatal("apply was not signalled")
	}

	got, err := phone.journal.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, e := range got {
		assert.Equal(t, written[i].ID, e.ID)
		assert.Equal(t, written[i].Payload, e.Payload)
		assert.Equal(t, int64(i+1), e.RemoteSequence)
	}
	last, err := phone.journal.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestWriteEntries_ForeignIdentityIsDropped(t *testing.T) {
	ctx := context.Background()
	stranger := newDevice(t, identity(t), Options{})
	me := newDevice(t, identity(t), Options{})

	appendN(t, stranger.journal, 1)
	stranger.syncer.Connected(ctx)
	change := batches(stranger.sender.take())[0]
	change.Entries[0].Sequence = 1

	me.syncer.HandleMessage(ctx, change)

	got, err := me.journal.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHello_NewRemoteResetsAndRepushes(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, identity(t), Options{})
	appendN(t, d.journal, 2)

	d.syncer.HandleMessage(ctx, protocol.Hello{RemoteID: "r-1"})
	d.syncer.Connected(ctx)
	ackAll(ctx, d.syncer, batches(d.sender.take()), 1)

	pending, err := d.journal.Pending(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	// the server came back with an empty log
	d.syncer.HandleMessage(ctx, protocol.Hello{RemoteID: "r-2"})
	d.syncer.Connected(ctx)

	sent := d.sender.take()
	require.NotEmpty(t, sent)
	assert.Equal(t, protocol.RequestChanges{StartSequence: 1}, sent[0])
	bs := batches(sent)
	require.Len(t, bs, 1)
	assert.Len(t, bs[0].Entries, 2)
}
