package storage

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/google/uuid"
)

// Memory keeps everything in process memory. It is meant for tests and
// single-node development servers.
type Memory struct {
	mu         sync.Mutex
	closed     bool
	namespaces map[string]*memoryNamespace
}

func NewMemory() *Memory {
	return &Memory{namespaces: make(map[string]*memoryNamespace)}
}

func (m *Memory) Open(_ context.Context, namespace string) (Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = &memoryNamespace{
			remoteID: uuid.NewString(),
			byID:     make(map[string]int64),
		}
		m.namespaces[namespace] = ns
	}
	return ns, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryNamespace struct {
	mu       sync.Mutex
	remoteID string
	entries  []models.EncryptedRemoteEntry
	byID     map[string]int64
	stats    models.WriteStats
}

func (n *memoryNamespace) Write(_ context.Context, b Batch) ([]models.EncryptedRemoteEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]models.EncryptedRemoteEntry, 0, len(b.Entries))
	for _, e := range b.Entries {
		if seq, ok := n.byID[string(e.EntryID)]; ok {
			out = append(out, n.entries[seq-1])
			continue
		}
		rec := remoteEntry(int64(len(n.entries))+1, b, e)
		n.entries = append(n.entries, rec)
		n.byID[string(e.EntryID)] = rec.Sequence
		out = append(out, rec)
	}
	return out, nil
}

func (n *memoryNamespace) Entries(_ context.Context, since int64) ([]models.EncryptedRemoteEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	since = max(since, 1)
	if since > int64(len(n.entries)) {
		return nil, nil
	}
	return append([]models.EncryptedRemoteEntry(nil), n.entries[since-1:]...), nil
}

func (n *memoryNamespace) RemoteID(context.Context) (string, error) {
	return n.remoteID, nil
}

func (n *memoryNamespace) LoadStats(context.Context) (models.WriteStats, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats, nil
}

func (n *memoryNamespace) SaveStats(_ context.Context, s models.WriteStats) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats = s
	return nil
}
