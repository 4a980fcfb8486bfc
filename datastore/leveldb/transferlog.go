package leveldb

import (
	"fmt"
	"peerdrop/datamodel/transfer"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixSeq = "SEQ" // Transfer records indexed by local sequence number. Followed by a 16-digit hexadecimal number
)

var _ transfer.TransferLog = (*TransferLog)(nil)

type TransferLog struct {
	LevelDB
	seq uint64
}

func NewTransferLog(path string) (*TransferLog, error) {
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	// Scan the database to identify the sequence
	iter := ldb.NewIterator(util.BytesPrefix([]byte(keyPrefixSeq)), nil)
	defer iter.Release()

	var maxSeq uint64 = 0
	if iter.Last() {
		seq, err := seqFromKey(keyPrefixSeq, iter.Key())
		if err != nil {
			ldb.Close()
			return nil, err
		}
		maxSeq = seq
	}

	return &TransferLog{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
		seq: maxSeq,
	}, nil
}

func (l *TransferLog) Append(rec *transfer.Record) (*transfer.RecordWithSeq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	newSeq := l.seq + 1
	entry := &transfer.RecordWithSeq{
		SequenceNumber: newSeq,
		Record:         rec,
	}

	raw, err := cbor.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := l.db.Put(keyFromSeq(keyPrefixSeq, newSeq), raw, nil); err != nil {
		return nil, err
	}

	// Keep the last sequence number
	l.seq = newSeq

	return entry, nil
}

func (l *TransferLog) GetBySeq(seq uint64) (*transfer.RecordWithSeq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromSeq(keyPrefixSeq, seq), nil)
	if err != nil {
		return nil, err
	}

	entry := &transfer.RecordWithSeq{}
	if err := cbor.Unmarshal(raw, entry); err != nil {
		return nil, err
	}

	// Compare the Sequence Number just in case
	if entry.SequenceNumber != seq {
		log.Errorf("GetBySeq: Sequence Number mismatch: %d != %d", seq, entry.SequenceNumber)
		return nil, ErrCorrupted
	}

	return entry, nil
}

func (l *TransferLog) EnumerateBySeq(start uint64, end uint64) ([]*transfer.RecordWithSeq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if start > end {
		return nil, fmt.Errorf("EnumerateBySeq: invalid range: start (%d) > end (%d)", start, end)
	}

	var results []*transfer.RecordWithSeq

	iter := l.db.NewIterator(&util.Range{Start: keyFromSeq(keyPrefixSeq, start), Limit: keyFromSeq(keyPrefixSeq, end)}, nil)
	defer iter.Release()

	for iter.Next() {
		entry := &transfer.RecordWithSeq{}
		if err := cbor.Unmarshal(iter.Value(), entry); err != nil {
			return nil, err
		}
		results = append(results, entry)
	}

	return results, iter.Error()
}

func (l *TransferLog) GetSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
