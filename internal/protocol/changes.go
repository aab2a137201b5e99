package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// SplitChangesResponse groups ordered remote entries into WriteEntries
// messages. Consecutive entries sharing (iv, encryptedDEK) go into one
// message until adding another would push its encoding past maxFrame. A
// single entry larger than maxFrame gets a message of its own and is left
// to the Encoder to chunk.
func SplitChangesResponse(entries []models.EncryptedRemoteEntry, maxFrame int) []WriteEntries {
	var (
		out  []WriteEntries
		cur  *WriteEntries
		size int
	)

	for _, e := range entries {
		we := WireEntry{EntryID: e.EntryID, EncryptedEntry: e.EncryptedEntry, Sequence: e.Sequence}
		n := wireEntrySize(we)

		sameKey := cur != nil && bytes.Equal(cur.IV, e.IV) && bytes.Equal(cur.EncryptedDEK, e.EncryptedDEK)
		if !sameKey || (maxFrame > 0 && size+n > maxFrame) {
			out = append(out, WriteEntries{ID: uuid.NewString(), IV: e.IV, EncryptedDEK: e.EncryptedDEK})
			cur = &out[len(out)-1]
			size = headerSize(*cur)
		}

		cur.Entries = append(cur.Entries, we)
		size += n
	}

	return out
}

func wireEntrySize(e WireEntry) int {
	return protowire.SizeTag(4) + protowire.SizeBytes(len(encodeWireEntry(e)))
}

// headerSize is the encoded size of an empty WriteEntries frame with the
// envelope overhead rounded up.
func headerSize(m WriteEntries) int {
	n := protowire.SizeTag(1) + protowire.SizeBytes(len(m.ID)) +
		protowire.SizeTag(2) + protowire.SizeBytes(len(m.IV)) +
		protowire.SizeTag(3) + protowire.SizeBytes(len(m.EncryptedDEK))
	return n + protowire.SizeTag(TagWriteEntries) + binary.MaxVarintLen64
}

// Change is one accepted write as published to other server instances.
type Change struct {
	Namespace     string
	FirstSequence int64
	LastSequence  int64
	Frames        [][]byte
}

// EncodeChange serializes a Change for the replication stream.
func EncodeChange(c Change) []byte {
	var b []byte
	b = appendString(b, 1, c.Namespace)
	b = appendVarint(b, 2, uint64(c.FirstSequence))
	b = appendVarint(b, 3, uint64(c.LastSequence))
	for _, f := range c.Frames {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, f)
	}
	return b
}

func DecodeChange(b []byte) (Change, error) {
	var c Change
	err := walk(b, func(f protowire.Number, v value) error {
		var err error
		var u uint64
		switch f {
		case 1:
			c.Namespace, err = v.string()
		case 2:
			u, err = v.uint()
			c.FirstSequence = int64(u)
		case 3:
			u, err = v.uint()
			c.LastSequence = int64(u)
		case 4:
			var frame []byte
			frame, err = v.bytes()
			c.Frames = append(c.Frames, frame)
		}
		return err
	})
	if err != nil {
		return Change{}, err
	}
	if c.Namespace == "" {
		return Change{}, malformed("change without namespace")
	}
	return c, nil
}
