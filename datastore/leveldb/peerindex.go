package leveldb

import (
	"peerdrop/datamodel/peer"
	"peerdrop/peerid"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PER" // Peer metadata indexed by ID. Followed by hex peer id
)

var _ peer.PeerIndex = (*PeerIndex)(nil)

type PeerIndex struct {
	LevelDB
}

func NewPeerIndex(path string) (*PeerIndex, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func keyFromPeerID(id peerid.ID) []byte {
	return append([]byte(keyPrefixPeer), []byte(id.String())...)
}

func (l *PeerIndex) Get(id peerid.ID) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(id)
}

func (l *PeerIndex) get(id peerid.ID) (*peer.Metadata, error) {
	raw, err := l.db.Get(keyFromPeerID(id), nil)
	if err != nil {
		return nil, err
	}

	md := &peer.Metadata{}
	if err := cbor.Unmarshal(raw, md); err != nil {
		return nil, err
	}

	// Compare the ID just in case
	if md.PeerID != id {
		log.Errorf("PeerIndex.Get: PeerID mismatch: %s != %s", id, md.PeerID)
		return nil, ErrCorrupted
	}

	return md, nil
}

func (l *PeerIndex) Put(metadata *peer.Metadata) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.put(metadata)
}

func (l *PeerIndex) put(metadata *peer.Metadata) (*peer.Metadata, error) {
	raw, err := cbor.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	if err := l.db.Put(keyFromPeerID(metadata.PeerID), raw, nil); err != nil {
		return nil, err
	}
	return metadata, nil
}

// Update applies f to the stored metadata of id (a zero record with PeerID set if unknown)
// and stores the result, atomically with respect to other index calls.
func (l *PeerIndex) Update(id peerid.ID, f func(*peer.Metadata)) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	md, err := l.get(id)
	if err == ErrNotFound {
		md = &peer.Metadata{PeerID: id}
	} else if err != nil {
		return nil, err
	}

	f(md)
	md.PeerID = id
	return l.put(md)
}

func (l *PeerIndex) Enumerate() ([]peerid.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []peerid.ID

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		metadata := &peer.Metadata{}
		if err := cbor.Unmarshal(iter.Value(), metadata); err != nil {
			return nil, err
		}
		results = append(results, metadata.PeerID)
	}

	return results, iter.Error()
}
