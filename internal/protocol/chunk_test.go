package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// bigWrite returns a message whose encoding is just under size bytes.
func bigWrite(size int) WriteEntries {
	payload := bytes.Repeat([]byte{0xab}, size-200)
	return WriteEntries{
		ID:           "big",
		IV:           []byte("123456789012"),
		EncryptedDEK: make([]byte, 92),
		Entries:      []WireEntry{{EntryID: []byte("entry"), EncryptedEntry: payload}},
	}
}

func TestFrames_SmallMessageIsNotChunked(t *testing.T) {
	frames, err := Encoder{MaxFrameSize: 1024}.Frames(Ack{ID: "a", Sequences: []int64{1}})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	msg, err := Decode(frames[0])
	require.NoError(t, err)
	assert.IsType(t, Ack{}, msg)
}

func TestFrames_ChunkRoundTrip(t *testing.T) {
	const limit = 100 * 1024
	msg := bigWrite(300 * 1024)

	encoded, err := Encode(msg)
	require.NoError(t, err)
	require.Greater(t, len(encoded), 2*limit)

	frames, err := Encoder{MaxFrameSize: limit}.Frames(msg)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	var ids []string
	for i, f := range frames {
		part, err := Decode(f)
		require.NoError(t, err)
		c := part.(ChunkedMessage)
		assert.Equal(t, uint32(i), c.Index)
		assert.Equal(t, uint32(3), c.Total)
		assert.LessOrEqual(t, len(c.Data), limit)
		ids = append(ids, c.MessageID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[1], ids[2])

	d := NewDecoder()
	for i, f := range frames {
		got, ok, err := d.Decode(f)
		require.NoError(t, err)
		if i < 2 {
			assert.False(t, ok)
			assert.Nil(t, got)
			continue
		}
		require.True(t, ok)
		reencoded, err := Encode(got)
		require.NoError(t, err)
		assert.Equal(t, encoded, reencoded)
	}
	assert.Equal(t, 0, d.Pending())
}

func TestDecoder_IncompleteSetNeverDecodes(t *testing.T) {
	frames, err := Encoder{MaxFrameSize: 100 * 1024}.Frames(bigWrite(300 * 1024))
	require.NoError(t, err)
	require.Len(t, frames, 3)

	d := NewDecoder()
	for _, f := range []int{0, 2} {
		got, ok, err := d.Decode(frames[f])
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	}
	assert.Equal(t, 1, d.Pending())

	again, ok, err := d.Decode(frames[2])
	require.NoError(t, err)
	assert.False(t, ok, "a repeated part must not complete the set")
	assert.Nil(t, again)
}

func TestDecoder_OutOfOrderParts(t *testing.T) {
	msg := bigWrite(10 * 1024)
	frames, err := Encoder{MaxFrameSize: 1024}.Frames(msg)
	require.NoError(t, err)
	require.Greater(t, len(frames), 3)

	d := NewDecoder()
	var got Message
	for i := len(frames) - 1; i >= 0; i-- {
		m, ok, err := d.Decode(frames[i])
		require.NoError(t, err)
		if ok {
			got = m
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, msg.Entries[0].EncryptedEntry, got.(WriteEntries).Entries[0].EncryptedEntry)
}

func TestDecoder_InterleavedSets(t *testing.T) {
	seq := 0
	enc := Encoder{MaxFrameSize: 512, NewID: func() string {
		seq++
		return fmt.Sprintf("set-%d", seq)
	}}
	a, err := enc.Frames(bigWrite(2048))
	require.NoError(t, err)
	b, err := enc.Frames(Hello{RemoteID: string(bytes.Repeat([]byte("r"), 1500))})
	require.NoError(t, err)

	d := NewDecoder()
	var done []Message
	for i := 0; i < max(len(a), len(b)); i++ {
		for _, set := range [][][]byte{a, b} {
			if i >= len(set) {
				continue
			}
			m, ok, err := d.Decode(set[i])
			require.NoError(t, err)
			if ok {
				done = append(done, m)
			}
		}
	}
	require.Len(t, done, 2)
	assert.Equal(t, 0, d.Pending())
}

func TestDecoder_RejectsInconsistentParts(t *testing.T) {
	encode := func(c ChunkedMessage) []byte {
		f, err := Encode(c)
		require.NoError(t, err)
		return f
	}

	tests := []struct {
		name   string
		frames [][]byte
	}{
		{name: "zero total", frames: [][]byte{encode(ChunkedMessage{MessageID: "a", Index: 0, Total: 0})}},
		{name: "index out of range", frames: [][]byte{encode(ChunkedMessage{MessageID: "a", Index: 3, Total: 3})}},
		{name: "total changes", frames: [][]byte{
			encode(ChunkedMessage{MessageID: "a", Index: 0, Total: 3, Data: []byte{1}}),
			encode(ChunkedMessage{MessageID: "a", Index: 1, Total: 4, Data: []byte{2}}),
		}},
		{name: "reassembled garbage", frames: [][]byte{
			encode(ChunkedMessage{MessageID: "a", Index: 0, Total: 2, Data: []byte{0xff}}),
			encode(ChunkedMessage{MessageID: "a", Index: 1, Total: 2, Data: []byte{0xff}}),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			var err error
			for _, f := range tt.frames {
				if _, _, err = d.Decode(f); err != nil {
					break
				}
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame))
		})
	}
}

func TestChunking_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 8192).Draw(rt, "payload")
		limit := rapid.IntRange(16, 4096).Draw(rt, "limit")
		msg := WriteEntries{ID: "p", Entries: []WireEntry{{EntryID: []byte("e"), EncryptedEntry: payload}}}

		frames, err := Encoder{MaxFrameSize: limit}.Frames(msg)
		if err != nil {
			rt.Fatalf("frames: %v", err)
		}

		perm := rapid.Permutation(frames).Draw(rt, "order")
		d := NewDecoder()
		var got Message
		for i, f := range perm {
			m, ok, err := d.Decode(f)
			if err != nil {
				rt.Fatalf("decode: %v", err)
			}
			if ok != (i == len(perm)-1) {
				rt.Fatalf("frame %d of %d: ok=%v", i, len(perm), ok)
			}
			got = m
		}
		if !bytes.Equal(got.(WriteEntries).Entries[0].EncryptedEntry, payload) {
			rt.Fatalf("payload differs after reassembly")
		}
	})
}
