package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedFrame = errors.New("malformed frame")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// Encode serializes msg into a single frame. Messages are passed by value.
func Encode(msg Message) ([]byte, error) {
	var body []byte

	switch m := msg.(type) {
	case Hello:
		body = appendString(body, 1, m.RemoteID)
	case WriteEntries:
		body = appendString(body, 1, m.ID)
		body = appendBytes(body, 2, m.IV)
		body = appendBytes(body, 3, m.EncryptedDEK)
		for _, e := range m.Entries {
			body = protowire.AppendTag(body, 4, protowire.BytesType)
			body = protowire.AppendBytes(body, encodeWireEntry(e))
		}
	case Ack:
		body = appendString(body, 1, m.ID)
		if len(m.Sequences) > 0 {
			var packed []byte
			for _, s := range m.Sequences {
				packed = protowire.AppendVarint(packed, uint64(s))
			}
			body = protowire.AppendTag(body, 2, protowire.BytesType)
			body = protowire.AppendBytes(body, packed)
		}
	case RequestChanges:
		body = appendVarint(body, 1, uint64(m.StartSequence))
	case ChunkedMessage:
		body = appendString(body, 1, m.MessageID)
		body = appendVarint(body, 2, uint64(m.Index))
		body = appendVarint(body, 3, uint64(m.Total))
		body = appendBytes(body, 4, m.Data)
	case Ping, StopChanges:
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", msg)
	}

	out := protowire.AppendTag(nil, msg.Tag(), protowire.BytesType)
	return protowire.AppendBytes(out, body), nil
}

// Decode parses one complete frame. Chunk parts are returned as
// ChunkedMessage; use a Decoder to reassemble them.
func Decode(frame []byte) (Message, error) {
	num, typ, n := protowire.ConsumeTag(frame)
	if n < 0 {
		return nil, malformed("envelope tag: %v", protowire.ParseError(n))
	}
	if typ != protowire.BytesType {
		return nil, malformed("envelope wire type %d", typ)
	}
	body, m := protowire.ConsumeBytes(frame[n:])
	if m < 0 {
		return nil, malformed("envelope body: %v", protowire.ParseError(m))
	}
	if n+m != len(frame) {
		return nil, malformed("%d trailing bytes", len(frame)-n-m)
	}

	switch num {
	case TagHello:
		var msg Hello
		err := walk(body, func(f protowire.Number, v value) error {
			if f == 1 {
				s, err := v.string()
				msg.RemoteID = s
				return err
			}
			return nil
		})
		return msg, err
	case TagWriteEntries:
		return decodeWriteEntries(body)
	case TagAck:
		return decodeAck(body)
	case TagRequestChanges:
		var msg RequestChanges
		err := walk(body, func(f protowire.Number, v value) error {
			if f == 1 {
				u, err := v.uint()
				msg.StartSequence = int64(u)
				return err
			}
			return nil
		})
		return msg, err
	case TagChunkedMessage:
		return decodeChunk(body)
	case TagPing:
		return Ping{}, nil
	case TagStopChanges:
		return StopChanges{}, nil
	default:
		return nil, malformed("unknown message tag %d", num)
	}
}

func decodeWriteEntries(body []byte) (Message, error) {
	var msg WriteEntries
	err := walk(body, func(f protowire.Number, v value) error {
		var err error
		switch f {
		case 1:
			msg.ID, err = v.string()
		case 2:
			msg.IV, err = v.bytes()
		case 3:
			msg.EncryptedDEK, err = v.bytes()
		case 4:
			var raw []byte
			if raw, err = v.bytes(); err != nil {
				return err
			}
			var e WireEntry
			if e, err = decodeWireEntry(raw); err != nil {
				return err
			}
			msg.Entries = append(msg.Entries, e)
		}
		return err
	})
	return msg, err
}

func decodeAck(body []byte) (Message, error) {
	var msg Ack
	err := walk(body, func(f protowire.Number, v value) error {
		switch f {
		case 1:
			s, err := v.string()
			msg.ID = s
			return err
		case 2:
			if v.typ == protowire.VarintType {
				msg.Sequences = append(msg.Sequences, int64(v.u))
				return nil
			}
			packed, err := v.bytes()
			if err != nil {
				return err
			}
			for len(packed) > 0 {
				u, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return malformed("ack sequence: %v", protowire.ParseError(n))
				}
				msg.Sequences = append(msg.Sequences, int64(u))
				packed = packed[n:]
			}
		}
		return nil
	})
	return msg, err
}

func decodeChunk(body []byte) (Message, error) {
	var msg ChunkedMessage
	err := walk(body, func(f protowire.Number, v value) error {
		var err error
		var u uint64
		switch f {
		case 1:
			msg.MessageID, err = v.string()
		case 2:
			if u, err = v.uint(); err == nil && u > math.MaxUint32 {
				return malformed("chunk index %d out of range", u)
			}
			msg.Index = uint32(u)
		case 3:
			if u, err = v.uint(); err == nil && u > math.MaxUint32 {
				return malformed("chunk total %d out of range", u)
			}
			msg.Total = uint32(u)
		case 4:
			msg.Data, err = v.bytes()
		}
		return err
	})
	return msg, err
}

func encodeWireEntry(e WireEntry) []byte {
	var b []byte
	b = appendBytes(b, 1, e.EntryID)
	b = appendBytes(b, 2, e.EncryptedEntry)
	b = appendVarint(b, 3, uint64(e.Sequence))
	return b
}

func decodeWireEntry(raw []byte) (WireEntry, error) {
	var e WireEntry
	err := walk(raw, func(f protowire.Number, v value) error {
		var err error
		switch f {
		case 1:
			e.EntryID, err = v.bytes()
		case 2:
			e.EncryptedEntry, err = v.bytes()
		case 3:
			var u uint64
			u, err = v.uint()
			e.Sequence = int64(u)
		}
		return err
	})
	return e, err
}

// value is one decoded field value; only the member matching typ is set.
type value struct {
	typ protowire.Type
	u   uint64
	b   []byte
}

func (v value) uint() (uint64, error) {
	if v.typ != protowire.VarintType {
		return 0, malformed("expected varint, got wire type %d", v.typ)
	}
	return v.u, nil
}

func (v value) bytes() ([]byte, error) {
	if v.typ != protowire.BytesType {
		return nil, malformed("expected bytes, got wire type %d", v.typ)
	}
	return append([]byte(nil), v.b...), nil
}

func (v value) string() (string, error) {
	if v.typ != protowire.BytesType {
		return "", malformed("expected string, got wire type %d", v.typ)
	}
	return string(v.b), nil
}

// walk calls fn for every field of b. Fields fn does not know are skipped.
func walk(b []byte, fn func(protowire.Number, value) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("field tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		v := value{typ: typ}
		switch typ {
		case protowire.VarintType:
			v.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
