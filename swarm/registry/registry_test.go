package registry

import (
	"math/rand"
	"sync"
	"testing"

	"peerdrop/peerid"
)

type nopHandle struct {
	name   string
	closed bool
}

func (h *nopHandle) Write(p []byte) (int, error) { return len(p), nil }
func (h *nopHandle) Close() error                { h.closed = true; return nil }

func TestRegisterAndGet(t *testing.T) {
	r := New()
	id := peerid.MustRandom()
	h := &nopHandle{name: "first"}

	seq := r.Register(id, h)
	got, ok := r.Get(id)
	if !ok || got != h {
		t.Fatal("registered handle not found")
	}
	if s, _ := r.Seq(id); s != seq {
		t.Fatalf("stored sequence %d != returned %d", s, seq)
	}
	if _, ok := r.Get(peerid.MustRandom()); ok {
		t.Fatal("unknown peer should be absent")
	}
}

func TestSequencesStrictlyIncrease(t *testing.T) {
	r := New()
	var last uint64
	for i := 0; i < 100; i++ {
		seq := r.Register(peerid.MustRandom(), &nopHandle{})
		if i > 0 && seq <= last {
			t.Fatalf("sequence %d not greater than %d", seq, last)
		}
		last = seq
	}
}

func TestStaleUnregisterIsNoop(t *testing.T) {
	r := New()
	id := peerid.MustRandom()
	seq := r.Register(id, &nopHandle{})

	if r.Unregister(id, seq+1) {
		t.Fatal("unregister with a wrong sequence must fail")
	}
	if !r.Has(id) {
		t.Fatal("record removed by a stale unregister")
	}
	if r.Unregister(peerid.MustRandom(), seq) {
		t.Fatal("unregister of an absent peer must fail")
	}
	if !r.Unregister(id, seq) {
		t.Fatal("unregister with the current sequence must succeed")
	}
	if r.Has(id) || r.Len() != 0 {
		t.Fatal("record still present after unregister")
	}
	if r.Unregister(id, seq) {
		t.Fatal("second unregister must fail")
	}
}

func TestReplaceThenOldCloseKeepsNewRecord(t *testing.T) {
	r := New()
	id := peerid.MustRandom()
	oldHandle := &nopHandle{name: "old"}
	newHandle := &nopHandle{name: "new"}

	oldSeq := r.Register(id, oldHandle)
	newSeq, prev := r.Replace(id, newHandle)
	if prev != oldHandle {
		t.Fatal("Replace did not return the previous handle")
	}
	if oldHandle.closed {
		t.Fatal("registry must not close the replaced handle")
	}
	if r.Len() != 1 {
		t.Fatalf("expected a single record, got %d", r.Len())
	}

	if r.Unregister(id, oldSeq) {
		t.Fatal("close of the replaced connection evicted the new one")
	}
	got, ok := r.Get(id)
	if !ok || got != newHandle {
		t.Fatal("new handle is not current")
	}
	if !r.Unregister(id, newSeq) {
		t.Fatal("close of the current connection must evict it")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New()
	a, b := peerid.MustRandom(), peerid.MustRandom()
	r.Register(a, &nopHandle{})
	r.Register(b, &nopHandle{})

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if !snap[0].ID.Less(snap[1].ID) {
		t.Fatal("snapshot not sorted")
	}

	r.Unregister(snap[0].ID, snap[0].Seq)
	snap[1].Handle = nil
	if len(snap) != 2 {
		t.Fatal("snapshot changed after unregister")
	}
	if h, ok := r.Get(snap[1].ID); !ok || h == nil {
		t.Fatal("mutating the snapshot changed the registry")
	}
}

func TestCloseAll(t *testing.T) {
	r := New()
	handles := []*nopHandle{{}, {}, {}}
	for _, h := range handles {
		r.Register(peerid.MustRandom(), h)
	}
	r.CloseAll()
	if r.Len() != 0 {
		t.Fatal("registry not empty after CloseAll")
	}
	for i, h := range handles {
		if !h.closed {
			t.Fatalf("handle %d not closed", i)
		}
	}
}

// Random concurrent register/unregister traffic never leaves more than one record per peer,
// and every record left behind carries the last sequence registered for that peer.
func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	ids := make([]peerid.ID, 8)
	for i := range ids {
		ids[i] = peerid.MustRandom()
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lastSeq = make(map[peerid.ID]uint64)
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				id := ids[rnd.Intn(len(ids))]
				seq := r.Register(id, &nopHandle{})
				mu.Lock()
				if seq > lastSeq[id] {
					lastSeq[id] = seq
				}
				mu.Unlock()
				if rnd.Intn(2) == 0 {
					r.Unregister(id, seq)
				}
				_ = r.Snapshot()
			}
		}(int64(w))
	}
	wg.Wait()

	seen := make(map[peerid.ID]bool)
	for _, e := range r.Snapshot() {
		if seen[e.ID] {
			t.Fatalf("duplicate record for %s", e.ID.Short())
		}
		seen[e.ID] = true
		if e.Seq != lastSeq[e.ID] {
			t.Fatalf("record for %s has sequence %d, last registered was %d", e.ID.Short(), e.Seq, lastSeq[e.ID])
		}
	}
}
