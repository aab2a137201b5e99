package protocol

import (
	"encoding/hex"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestEncode_Golden(t *testing.T) {
	g := goldie.New(t)

	tests := []struct {
		name string
		msg  Message
	}{
		{name: "hello", msg: Hello{RemoteID: "abc"}},
		{name: "ack", msg: Ack{ID: "x", Sequences: []int64{1, 2, 300}}},
		{name: "request_changes", msg: RequestChanges{StartSequence: 7}},
		{name: "ping", msg: Ping{}},
		{name: "stop_changes", msg: StopChanges{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			require.NoError(t, err)
			g.Assert(t, tt.name, []byte(hex.EncodeToString(frame)+"\n"))
		})
	}
}
