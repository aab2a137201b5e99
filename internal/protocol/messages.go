// Package protocol is the wire codec spoken between sync sessions and the
// storage actor. Every frame is a protobuf envelope holding exactly one
// length-delimited field; the field number identifies the message.
package protocol

import "google.golang.org/protobuf/encoding/protowire"

// Message tags. They double as envelope field numbers.
const (
	TagHello          protowire.Number = 1
	TagWriteEntries   protowire.Number = 2
	TagAck            protowire.Number = 3
	TagRequestChanges protowire.Number = 4
	TagChunkedMessage protowire.Number = 5
	TagPing           protowire.Number = 6
	TagStopChanges    protowire.Number = 7
)

// Message is implemented by every wire message.
type Message interface {
	Tag() protowire.Number
}

// Hello is the first message a server sends on a new connection.
type Hello struct {
	RemoteID string
}

// WriteEntries carries one encrypted batch. Client to server it has no
// sequences; server to client every entry carries its sequence.
type WriteEntries struct {
	ID           string
	IV           []byte
	EncryptedDEK []byte
	Entries      []WireEntry
}

type WireEntry struct {
	EntryID        []byte
	EncryptedEntry []byte
	Sequence       int64
}

// Ack answers a WriteEntries with the same ID. An empty Sequences list
// means the batch was not accepted and may be retried later.
type Ack struct {
	ID        string
	Sequences []int64
}

// RequestChanges asks for every entry at or after StartSequence.
type RequestChanges struct {
	StartSequence int64
}

// ChunkedMessage is one part of an encoded message that did not fit into a
// single frame.
type ChunkedMessage struct {
	MessageID string
	Index     uint32
	Total     uint32
	Data      []byte
}

type Ping struct{}

// StopChanges tells the server to stop broadcasting to this connection
// until it sends RequestChanges again.
type StopChanges struct{}

func (Hello) Tag() protowire.Number          { return TagHello }
func (WriteEntries) Tag() protowire.Number   { return TagWriteEntries }
func (Ack) Tag() protowire.Number            { return TagAck }
func (RequestChanges) Tag() protowire.Number { return TagRequestChanges }
func (ChunkedMessage) Tag() protowire.Number { return TagChunkedMessage }
func (Ping) Tag() protowire.Number           { return TagPing }
func (StopChanges) Tag() protowire.Number    { return TagStopChanges }
