package leveldb

import (
	"path/filepath"
	"testing"
	"time"

	"peerdrop/datamodel/peer"
	"peerdrop/datamodel/transfer"
	"peerdrop/peerid"
)

func TestPeerIndexPutGet(t *testing.T) {
	idx, err := NewPeerIndex(filepath.Join(t.TempDir(), "peers"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	id := peerid.MustRandom()
	if _, err := idx.Get(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	md := &peer.Metadata{PeerID: id, LastAddress: "127.0.0.1:4000", Connections: 1}
	if _, err := idx.Put(md); err != nil {
		t.Fatal(err)
	}
	got, err := idx.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.PeerID != md.PeerID || got.LastAddress != md.LastAddress || got.Connections != md.Connections {
		t.Fatalf("metadata mismatch: %+v != %+v", got, md)
	}
}

func TestPeerIndexUpdate(t *testing.T) {
	idx, err := NewPeerIndex(filepath.Join(t.TempDir(), "peers"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	id := peerid.MustRandom()
	for i := 0; i < 3; i++ {
		if _, err := idx.Update(id, func(md *peer.Metadata) {
			md.Connections++
			md.LastSequence = uint64(i)
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := idx.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Connections != 3 || got.LastSequence != 2 {
		t.Fatalf("unexpected metadata: %+v", got)
	}

	ids, err := idx.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("unexpected enumeration: %v", ids)
	}
}

func TestTransferLogSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfers")
	tl, err := NewTransferLog(path)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	for i := 0; i < 5; i++ {
		e, err := tl.Append(&transfer.Record{
			Direction: transfer.Inbound,
			Kind:      "file",
			FileName:  "a.txt",
			Size:      uint64(i),
			Time:      now,
		})
		if err != nil {
			t.Fatal(err)
		}
		if e.SequenceNumber != uint64(i+1) {
			t.Fatalf("unexpected sequence %d", e.SequenceNumber)
		}
	}
	if tl.GetSeq() != 5 {
		t.Fatalf("unexpected GetSeq %d", tl.GetSeq())
	}

	entries, err := tl.EnumerateBySeq(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].SequenceNumber != 2 || entries[1].SequenceNumber != 3 {
		t.Fatalf("unexpected range result: %d entries", len(entries))
	}

	e, err := tl.GetBySeq(5)
	if err != nil {
		t.Fatal(err)
	}
	if e.Record.Size != 4 || e.Record.Time.Unix() != now.Unix() {
		t.Fatalf("unexpected record: %+v", e.Record)
	}

	if _, err := tl.EnumerateBySeq(4, 2); err == nil {
		t.Fatal("expected an error for an inverted range")
	}

	// Reopening recovers the sequence from the keys
	if err := tl.Close(); err != nil {
		t.Fatal(err)
	}
	tl, err = NewTransferLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer tl.Close()
	if tl.GetSeq() != 5 {
		t.Fatalf("sequence not recovered: %d", tl.GetSeq())
	}
}

func TestOpenHistory(t *testing.T) {
	h, err := OpenHistory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}
