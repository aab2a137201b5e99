package protocol

import (
	"bytes"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/google/uuid"
)

// Encoder turns messages into transport frames, splitting any encoding
// larger than MaxFrameSize into ChunkedMessage parts.
type Encoder struct {
	MaxFrameSize int
	// NewID returns chunk message ids; uuid.NewString when nil.
	NewID func() string
}

// Frames returns the frames that carry msg, in send order.
func (e Encoder) Frames(msg Message) ([][]byte, error) {
	encoded, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return e.Split(encoded)
}

// Split chunks an already encoded frame when it exceeds MaxFrameSize.
func (e Encoder) Split(encoded []byte) ([][]byte, error) {
	limit := e.MaxFrameSize
	if limit <= 0 {
		limit = common.DefaultMaxFrameSize
	}
	if len(encoded) <= limit {
		return [][]byte{encoded}, nil
	}

	newID := e.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	id := newID()

	total := (len(encoded) + limit - 1) / limit
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*limit, len(encoded))
		frame, err := Encode(ChunkedMessage{
			MessageID: id,
			Index:     uint32(i),
			Total:     uint32(total),
			Data:      encoded[i*limit : end],
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

type partial struct {
	total uint32
	parts map[uint32][]byte
}

// Decoder reassembles chunked messages for one connection. Incomplete sets
// stay buffered until their last part arrives; nothing is evicted on a
// timer. A Decoder is not safe for concurrent use.
type Decoder struct {
	pending map[string]*partial
}

func NewDecoder() *Decoder {
	return &Decoder{pending: make(map[string]*partial)}
}

// Decode consumes one frame. It reports ok=false while a chunk set is
// still incomplete.
func (d *Decoder) Decode(frame []byte) (msg Message, ok bool, err error) {
	msg, err = Decode(frame)
	if err != nil {
		return nil, false, err
	}
	chunk, isChunk := msg.(ChunkedMessage)
	if !isChunk {
		return msg, true, nil
	}
	return d.accept(chunk)
}

func (d *Decoder) accept(c ChunkedMessage) (Message, bool, error) {
	if c.Total == 0 || c.Index >= c.Total {
		return nil, false, malformed("chunk %d of %d", c.Index, c.Total)
	}

	if d.pending == nil {
		d.pending = make(map[string]*partial)
	}
	p, found := d.pending[c.MessageID]
	if !found {
		p = &partial{total: c.Total, parts: make(map[uint32][]byte, min(c.Total, 64))}
		d.pending[c.MessageID] = p
	} else if p.total != c.Total {
		return nil, false, malformed("chunk set %s: total %d, previously %d", c.MessageID, c.Total, p.total)
	}
	p.parts[c.Index] = c.Data

	if uint32(len(p.parts)) < p.total {
		return nil, false, nil
	}
	delete(d.pending, c.MessageID)

	var buf bytes.Buffer
	for i := uint32(0); i < p.total; i++ {
		buf.Write(p.parts[i])
	}
	return d.Decode(buf.Bytes())
}

// Pending reports how many chunk sets are buffered.
func (d *Decoder) Pending() int {
	return len(d.pending)
}
