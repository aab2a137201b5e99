package storage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/google/uuid"
)

// Badger stores all namespaces in one embedded badger database.
//
// Key layout per namespace, prefix "ns/<hex namespace>/":
//
//	remote          remote id
//	last            last assigned sequence, big endian uint64
//	stats           JSON write stats
//	e/<seq>         JSON entry record, seq big endian so keys sort by sequence
//	id/<entry id>   sequence of the entry
type Badger struct {
	db     *badger.DB
	logger logging.Logger
}

// OpenBadger opens (or creates) a database at path. An empty path keeps
// the database in memory.
func OpenBadger(path string, logger logging.Logger) (*Badger, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("module", "storage", "backend", "badger")

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, logger: logger}, nil
}

func (b *Badger) Open(_ context.Context, namespace string) (Namespace, error) {
	n := &badgerNamespace{db: b.db, prefix: "ns/" + hex.EncodeToString([]byte(namespace)) + "/"}

	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(n.key("remote"))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(n.key("remote"), []byte(uuid.NewString()))
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("open namespace: %w", err)
	}
	return n, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

type badgerNamespace struct {
	db     *badger.DB
	prefix string
}

type badgerRecord struct {
	EntryID        []byte `json:"entry_id"`
	IV             []byte `json:"iv"`
	EncryptedDEK   []byte `json:"encrypted_dek"`
	EncryptedEntry []byte `json:"encrypted_entry"`
}

type badgerStats struct {
	Count     int64     `json:"count"`
	LastFlush time.Time `json:"last_flush"`
}

func (n *badgerNamespace) key(parts ...string) []byte {
	return []byte(n.prefix + strings.Join(parts, "/"))
}

func (n *badgerNamespace) entryKey(seq int64) []byte {
	return binary.BigEndian.AppendUint64(n.key("e", ""), uint64(seq))
}

func (n *badgerNamespace) Write(_ context.Context, b Batch) ([]models.EncryptedRemoteEntry, error) {
	if len(b.Entries) == 0 {
		return nil, nil
	}

	var out []models.EncryptedRemoteEntry
	err := n.db.Update(func(txn *badger.Txn) error {
		out = make([]models.EncryptedRemoteEntry, 0, len(b.Entries))

		last, err := n.last(txn)
		if err != nil {
			return err
		}
		next := last

		for _, e := range b.Entries {
			idKey := append(n.key("id", ""), e.EntryID...)
			item, err := txn.Get(idKey)
			switch {
			case err == nil:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				stored, err := n.read(txn, int64(binary.BigEndian.Uint64(raw)))
				if err != nil {
					return err
				}
				out = append(out, stored)
				continue
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			next++
			rec := remoteEntry(next, b, e)
			raw, err := json.Marshal(badgerRecord{
				EntryID:        rec.EntryID,
				IV:             rec.IV,
				EncryptedDEK:   rec.EncryptedDEK,
				EncryptedEntry: rec.EncryptedEntry,
			})
			if err != nil {
				return err
			}
			if err := txn.Set(n.entryKey(next), raw); err != nil {
				return err
			}
			if err := txn.Set(idKey, binary.BigEndian.AppendUint64(nil, uint64(next))); err != nil {
				return err
			}
			out = append(out, rec)
		}

		if next == last {
			return nil
		}
		return txn.Set(n.key("last"), binary.BigEndian.AppendUint64(nil, uint64(next)))
	})
	if err != nil {
		return nil, fmt.Errorf("write entries: %w", err)
	}
	return out, nil
}

func (n *badgerNamespace) last(txn *badger.Txn) (int64, error) {
	item, err := txn.Get(n.key("last"))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last int64
	err = item.Value(func(v []byte) error {
		last = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return last, err
}

func (n *badgerNamespace) read(txn *badger.Txn, seq int64) (models.EncryptedRemoteEntry, error) {
	item, err := txn.Get(n.entryKey(seq))
	if err != nil {
		return models.EncryptedRemoteEntry{}, fmt.Errorf("entry %d: %w", seq, err)
	}
	var rec models.EncryptedRemoteEntry
	err = item.Value(func(v []byte) error {
		var r badgerRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		rec = models.EncryptedRemoteEntry{
			Sequence:       seq,
			EntryID:        r.EntryID,
			IV:             r.IV,
			EncryptedDEK:   r.EncryptedDEK,
			EncryptedEntry: r.EncryptedEntry,
		}
		return nil
	})
	return rec, err
}

func (n *badgerNamespace) Entries(_ context.Context, since int64) ([]models.EncryptedRemoteEntry, error) {
	var result []models.EncryptedRemoteEntry
	err := n.db.View(func(txn *badger.Txn) error {
		prefix := n.key("e", "")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(n.entryKey(max(since, 1))); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			seq := int64(binary.BigEndian.Uint64(item.Key()[len(prefix):]))
			var r badgerRecord
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
				return fmt.Errorf("entry %d: %w", seq, err)
			}
			result = append(result, models.EncryptedRemoteEntry{
				Sequence:       seq,
				EntryID:        r.EntryID,
				IV:             r.IV,
				EncryptedDEK:   r.EncryptedDEK,
				EncryptedEntry: r.EncryptedEntry,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select entries: %w", err)
	}
	return result, nil
}

func (n *badgerNamespace) RemoteID(context.Context) (string, error) {
	var id string
	err := n.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(n.key("remote"))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		id = string(v)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("remote id: %w", err)
	}
	return id, nil
}

func (n *badgerNamespace) LoadStats(context.Context) (models.WriteStats, error) {
	var s badgerStats
	err := n.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(n.key("stats"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &s) })
	})
	if err != nil {
		return models.WriteStats{}, fmt.Errorf("load stats: %w", err)
	}
	return models.WriteStats{Count: s.Count, LastFlush: s.LastFlush}, nil
}

func (n *badgerNamespace) SaveStats(_ context.Context, s models.WriteStats) error {
	raw, err := json.Marshal(badgerStats{Count: s.Count, LastFlush: s.LastFlush})
	if err != nil {
		return err
	}
	return n.db.Update(func(txn *badger.Txn) error {
		return txn.Set(n.key("stats"), raw)
	})
}

// badgerLogger routes badger's printf logging into our logger.
type badgerLogger struct {
	l logging.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}
