// Package leveldb implements the peer.PeerIndex and transfer.TransferLog interfaces
package leveldb

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"
)

var ErrCorrupted = fmt.Errorf("corrupted")
var ErrNotFound = errors.ErrNotFound

type LevelDB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func keyFromSeq(prefix string, seq uint64) []byte {
	return append([]byte(prefix), []byte(fmt.Sprintf("%016x", seq))...)
}

func seqFromKey(prefix string, key []byte) (uint64, error) {
	if len(key) != len(prefix)+16 {
		return 0, fmt.Errorf("seqFromKey: invalid key length: %d", len(key))
	}
	if string(key[:len(prefix)]) != prefix {
		return 0, fmt.Errorf("seqFromKey: invalid key prefix: %s", string(key[:len(prefix)]))
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016x", &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func initLevelDb(path string) (*leveldb.DB, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, recovering", path)
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return db, nil
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// History bundles both indexes, stored in sibling databases under one directory.
type History struct {
	Peers     *PeerIndex
	Transfers *TransferLog
}

func OpenHistory(dir string) (*History, error) {
	peers, err := NewPeerIndex(filepath.Join(dir, "peers"))
	if err != nil {
		return nil, err
	}
	transfers, err := NewTransferLog(filepath.Join(dir, "transfers"))
	if err != nil {
		peers.Close()
		return nil, err
	}
	return &History{Peers: peers, Transfers: transfers}, nil
}

func (h *History) Close() error {
	err1 := h.Peers.Close()
	err2 := h.Transfers.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
