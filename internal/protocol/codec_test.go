package protocol

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "hello", msg: Hello{RemoteID: "3f1c2a8e-1111-4bbb-8ccc-000000000001"}},
		{name: "write entries from client", msg: WriteEntries{
			ID:           "batch-1",
			IV:           []byte("123456789012"),
			EncryptedDEK: make([]byte, 92),
			Entries: []WireEntry{
				{EntryID: []byte("id-1"), EncryptedEntry: []byte("ct-1")},
				{EntryID: []byte("id-2"), EncryptedEntry: []byte("ct-2")},
			},
		}},
		{name: "write entries from server", msg: WriteEntries{
			ID: "changes",
			IV: []byte("abcdefghijkl"),
			Entries: []WireEntry{
				{EntryID: []byte("id-9"), EncryptedEntry: []byte("ct-9"), Sequence: 9},
			},
		}},
		{name: "ack", msg: Ack{ID: "batch-1", Sequences: []int64{1, 2, 300, 1 << 40}}},
		{name: "empty ack", msg: Ack{ID: "batch-2"}},
		{name: "request changes", msg: RequestChanges{StartSequence: 42}},
		{name: "request from zero", msg: RequestChanges{}},
		{name: "chunk", msg: ChunkedMessage{MessageID: "m", Index: 1, Total: 3, Data: []byte{1, 2, 3}}},
		{name: "ping", msg: Ping{}},
		{name: "stop changes", msg: StopChanges{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(frame)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.msg, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	hello, err := Encode(Hello{RemoteID: "abc"})
	require.NoError(t, err)

	unknown := protowire.AppendTag(nil, 42, protowire.BytesType)
	unknown = protowire.AppendBytes(unknown, nil)

	wrongType := protowire.AppendTag(nil, TagHello, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 1)

	badField := protowire.AppendTag(nil, TagRequestChanges, protowire.BytesType)
	badField = protowire.AppendBytes(badField, protowire.AppendBytes(protowire.AppendTag(nil, 1, protowire.BytesType), []byte("x")))

	chunk := func(field protowire.Number, v uint64) []byte {
		body := protowire.AppendTag(nil, 1, protowire.BytesType)
		body = protowire.AppendString(body, "m")
		body = protowire.AppendTag(body, field, protowire.VarintType)
		body = protowire.AppendVarint(body, v)
		frame := protowire.AppendTag(nil, TagChunkedMessage, protowire.BytesType)
		return protowire.AppendBytes(frame, body)
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty", frame: nil},
		{name: "chunk index past 32 bits", frame: chunk(2, 1<<32)},
		{name: "chunk total past 32 bits", frame: chunk(3, 1<<32+3)},
		{name: "truncated", frame: hello[:len(hello)-2]},
		{name: "trailing bytes", frame: append(append([]byte(nil), hello...), 0x00)},
		{name: "unknown tag", frame: unknown},
		{name: "envelope is not length delimited", frame: wrongType},
		{name: "field of wrong wire type", frame: badField},
		{name: "garbage", frame: []byte{0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "got %v", err)
		})
	}
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	body := protowire.AppendTag(nil, 1, protowire.BytesType)
	body = protowire.AppendString(body, "abc")
	body = protowire.AppendTag(body, 15, protowire.Fixed32Type)
	body = protowire.AppendFixed32(body, 7)
	body = protowire.AppendTag(body, 16, protowire.VarintType)
	body = protowire.AppendVarint(body, 99)

	frame := protowire.AppendTag(nil, TagHello, protowire.BytesType)
	frame = protowire.AppendBytes(frame, body)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Hello{RemoteID: "abc"}, got)
}

func TestAck_AcceptsUnpackedSequences(t *testing.T) {
	body := protowire.AppendTag(nil, 1, protowire.BytesType)
	body = protowire.AppendString(body, "a")
	for _, s := range []uint64{5, 6} {
		body = protowire.AppendTag(body, 2, protowire.VarintType)
		body = protowire.AppendVarint(body, s)
	}
	frame := protowire.AppendTag(nil, TagAck, protowire.BytesType)
	frame = protowire.AppendBytes(frame, body)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Ack{ID: "a", Sequences: []int64{5, 6}}, got)
}

func TestDecode_ChunkBounds(t *testing.T) {
	body := protowire.AppendTag(nil, 1, protowire.BytesType)
	body = protowire.AppendString(body, "m")
	body = protowire.AppendTag(body, 2, protowire.VarintType)
	body = protowire.AppendVarint(body, math.MaxUint32)
	body = protowire.AppendTag(body, 3, protowire.VarintType)
	body = protowire.AppendVarint(body, math.MaxUint32)
	frame := protowire.AppendTag(nil, TagChunkedMessage, protowire.BytesType)
	frame = protowire.AppendBytes(frame, body)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, ChunkedMessage{MessageID: "m", Index: math.MaxUint32, Total: math.MaxUint32}, got)
}

func TestEncode_RejectsPointers(t *testing.T) {
	_, err := Encode(&Hello{RemoteID: "x"})
	require.Error(t, err)
}
