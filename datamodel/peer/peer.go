package peer

import (
	"peerdrop/peerid"
	"time"
)

// Metadata is the persisted history of a remote peer. It outlives connections and is only
// used for reporting; the live connection table is the in-memory registry.
type Metadata struct {
	PeerID       peerid.ID `cbor:"1,keyasint"`           // Peer identifier
	LastAddress  string    `cbor:"2,keyasint,omitempty"` // Remote address of the latest connection
	FirstSeen    time.Time `cbor:"3,keyasint,omitempty"` // First time a connection was established
	LastSeen     time.Time `cbor:"4,keyasint,omitempty"` // Last connect or disconnect
	Connections  uint64    `cbor:"5,keyasint,omitempty"` // Number of connections established so far
	LastSequence uint64    `cbor:"6,keyasint,omitempty"` // Registry sequence of the latest connection
	Initiator    bool      `cbor:"7,keyasint,omitempty"` // Whether we dialed the latest connection
}

// PeerIndex defines the interface for managing metadata about peers.
type PeerIndex interface {
	// Get retrieves the metadata for a peer.
	// It returns an error if the peer is unknown or an issue occurs.
	Get(peerid.ID) (*Metadata, error)

	// Put stores or updates a peer's metadata.
	Put(*Metadata) (*Metadata, error)

	// Enumerate returns the IDs of all known peers.
	Enumerate() ([]peerid.ID, error)

	Close() error
}
