package protocol

import (
	"peerdrop/peerid"
)

// Version of the hello handshake. Peers with a different version are rejected.
const Version = 1

// Hello is the first frame each side writes on a fresh connection.
type Hello struct {
	Version uint      `cbor:"1,keyasint"`
	PeerID  peerid.ID `cbor:"2,keyasint"` // Self-asserted identity of the sender
	Channel string    `cbor:"3,keyasint"` // Channel the sender joined
}

// AnnouncementMessage is multicast periodically so peers on the same channel can find each other.
type AnnouncementMessage struct {
	PeerID  peerid.ID `cbor:"1,keyasint"`           // Announcing node
	Channel string    `cbor:"2,keyasint,omitempty"` // Channel name
	Port    uint16    `cbor:"3,keyasint"`           // TCP port the node accepts peer connections on
}

// Control RPC

type SendFileRequest struct {
	FileName string `cbor:"1,keyasint"` // Name relative to the source directory
}

type SendChatRequest struct {
	Text string `cbor:"1,keyasint"`
}

// DeliveryResponse mirrors broadcast.Report in a wire friendly form.
type DeliveryResponse struct {
	Attempted []peerid.ID  `cbor:"1,keyasint,omitempty"`
	Delivered []peerid.ID  `cbor:"2,keyasint,omitempty"`
	Failed    []FailedPeer `cbor:"3,keyasint,omitempty"`
}

type FailedPeer struct {
	PeerID peerid.ID `cbor:"1,keyasint"`
	Error  string    `cbor:"2,keyasint"` // Write error text
}

type PeersRequest struct{}

type PeerInfo struct {
	PeerID   peerid.ID `cbor:"1,keyasint"`
	Sequence uint64    `cbor:"2,keyasint"`
	Address  string    `cbor:"3,keyasint,omitempty"`
}

type PeersResponse struct {
	Self  peerid.ID  `cbor:"1,keyasint"`
	Peers []PeerInfo `cbor:"2,keyasint,omitempty"`
}
