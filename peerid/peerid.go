// Package peerid implements the self-asserted node identity.
package peerid

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"
)

// Size is the length of an identity in bytes.
const Size = 32

var ErrInvalidLength = errors.New("peer id must be 32 bytes")
var ErrInvalidString = errors.New("invalid peer id string")

// ID is an opaque random identifier a node presents to its peers.
// It is never verified, it only serves as a registry key.
// ID implements the MarshalBinary and UnmarshalBinary interfaces so CBOR encodes it as a byte string.
type ID [Size]byte

// Random generates a fresh identity.
func Random() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// MustRandom is like Random but exits the process if the system entropy source fails.
func MustRandom() ID {
	id, err := Random()
	if err != nil {
		log.Fatalf("Failed to generate peer id: %v", err)
	}
	return id
}

func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

func FromString(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, ErrInvalidString
	}
	return FromBytes(b)
}

func FromStringMustParse(s string) ID {
	id, err := FromString(s)
	if err != nil {
		log.Fatalf("Failed to parse peer id: %v", err)
	}
	return id
}

// String returns the lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, used in log lines.
func (id ID) Short() string {
	return id.String()[:8]
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// Less orders identities bytewise. Discovery uses it to decide which side dials.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id ID) MarshalBinary() ([]byte, error) {
	return id[:], nil
}

func (id *ID) UnmarshalBinary(data []byte) error {
	parsed, err := FromBytes(data)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
