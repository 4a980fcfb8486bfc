package transfer

import (
	"peerdrop/peerid"
	"time"
)

type Direction uint8

const (
	Outbound Direction = 1 // We broadcast the envelope
	Inbound  Direction = 2 // We received the envelope
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "out"
	case Inbound:
		return "in"
	}
	return "unknown"
}

// Record describes one file or chat envelope sent or received.
type Record struct {
	Direction Direction   `cbor:"1,keyasint"`
	Kind      string      `cbor:"2,keyasint"`           // "file" or "chat"
	Peers     []peerid.ID `cbor:"3,keyasint,omitempty"` // Sender for inbound, delivered peers for outbound
	FileName  string      `cbor:"4,keyasint,omitempty"`
	Size      uint64      `cbor:"5,keyasint,omitempty"` // Payload or text length
	Path      string      `cbor:"6,keyasint,omitempty"` // Where an inbound file was saved
	Failed    uint64      `cbor:"7,keyasint,omitempty"` // Outbound peers whose write failed
	Time      time.Time   `cbor:"8,keyasint"`
}

type RecordWithSeq struct {
	SequenceNumber uint64  `cbor:"1,keyasint"`
	Record         *Record `cbor:"2,keyasint"`
}

// TransferLog is an append-only log of transfers ordered by a local sequence number.
type TransferLog interface {
	// Append stores the record under the next sequence number and returns it.
	Append(*Record) (*RecordWithSeq, error)

	// GetBySeq retrieves a record by its sequence number.
	GetBySeq(uint64) (*RecordWithSeq, error)

	// EnumerateBySeq returns records with start <= seq < end.
	EnumerateBySeq(uint64, uint64) ([]*RecordWithSeq, error)

	// GetSeq returns the highest sequence number in the log.
	GetSeq() uint64

	Close() error
}
