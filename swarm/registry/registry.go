// Package registry tracks the live connection to each remote peer.
//
// Every registration is stamped with a process-wide sequence number. A close event only
// evicts a record when it carries the sequence currently stored for that peer, so a stale
// connection that closes after being replaced cannot evict its newer replacement.
package registry

import (
	"io"
	"sort"
	"sync"

	"peerdrop/peerid"
)

// Handle is an open duplex stream owned by a registry entry.
type Handle interface {
	io.Writer
	io.Closer
}

// Entry is a point-in-time view of a registered connection.
type Entry struct {
	ID     peerid.ID
	Handle Handle
	Seq    uint64
}

type record struct {
	handle Handle
	seq    uint64
}

type Registry struct {
	mu      sync.Mutex
	nextSeq uint64
	peers   map[peerid.ID]*record
}

func New() *Registry {
	return &Registry{
		peers: make(map[peerid.ID]*record),
	}
}

// Register stores handle as the current connection of id and returns its sequence.
// A previous handle for id is replaced but not closed: closing it is the caller's job.
func (r *Registry) Register(id peerid.ID, handle Handle) uint64 {
	seq, _ := r.Replace(id, handle)
	return seq
}

// Replace is Register that also returns the handle it replaced, if any.
func (r *Registry) Replace(id peerid.ID, handle Handle) (uint64, Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	r.nextSeq++

	var prev Handle
	if old, ok := r.peers[id]; ok {
		prev = old.handle
	}
	r.peers[id] = &record{handle: handle, seq: seq}
	return seq, prev
}

// Unregister removes the record of id if its stored sequence equals seq.
// It reports whether a record was removed.
func (r *Registry) Unregister(id peerid.ID, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[id]
	if !ok || rec.seq != seq {
		return false
	}
	delete(r.peers, id)
	return true
}

func (r *Registry) Get(id peerid.ID) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return rec.handle, true
}

// Seq returns the sequence currently stored for id.
func (r *Registry) Seq(id peerid.ID) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[id]
	if !ok {
		return 0, false
	}
	return rec.seq, true
}

func (r *Registry) Has(id peerid.ID) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Snapshot returns a copy of all live entries, sorted by peer id.
// Mutating the registry afterwards does not affect the returned slice.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.peers))
	for id, rec := range r.peers {
		entries = append(entries, Entry{ID: id, Handle: rec.handle, Seq: rec.seq})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID.Less(entries[j].ID)
	})
	return entries
}

// IDs returns the sorted list of connected peers.
func (r *Registry) IDs() []peerid.ID {
	snap := r.Snapshot()
	ids := make([]peerid.ID, len(snap))
	for i, e := range snap {
		ids[i] = e.ID
	}
	return ids
}

// CloseAll closes every registered handle and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[peerid.ID]*record)
	r.mu.Unlock()

	for _, rec := range peers {
		rec.handle.Close()
	}
}
