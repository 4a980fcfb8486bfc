// Package broadcast sends one envelope to every registered peer.
//
// Delivery is fire-and-forget: the encoded frame is written once per peer, a failing peer is
// recorded in the report and never stops delivery to the others. Nothing is retried.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"peerdrop/net/frame"
	"peerdrop/peerid"
	"peerdrop/swarm/protocol"
	"peerdrop/swarm/registry"

	log "github.com/sirupsen/logrus"
)

const DefaultConcurrency = 16

var ErrTransportWrite = errors.New("transport write failure")

// Report describes the outcome of a single broadcast.
type Report struct {
	Attempted []peerid.ID          // Every peer present in the snapshot, sorted
	Delivered []peerid.ID          // Peers whose write call returned no error, sorted
	Failed    map[peerid.ID]error  // Peers whose write call failed
	Seqs      map[peerid.ID]uint64 // Connection sequence each peer was written on
}

func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// TimedWriter is implemented by handles that set the write deadline themselves, under the
// same lock as the write.
type TimedWriter interface {
	WriteWithin(p []byte, timeout time.Duration) (int, error)
}

type deadlineSetter interface {
	SetWriteDeadline(time.Time) error
}

type Broadcaster struct {
	registry *registry.Registry

	// WriteTimeout bounds a single write when the handle supports deadlines. Zero disables it.
	WriteTimeout time.Duration
	// Concurrency limits the number of peers written to in parallel.
	Concurrency int
	// MaxFrameSize is the largest frame peers accept. Bigger envelopes are refused before
	// any write.
	MaxFrameSize int
}

func New(reg *registry.Registry) *Broadcaster {
	return &Broadcaster{
		registry:     reg,
		Concurrency:  DefaultConcurrency,
		MaxFrameSize: frame.DefaultMaxFrameSize,
	}
}

// Broadcast encodes env once and writes it to every peer in a registry snapshot.
// The returned error is non-nil only if the envelope could not be encoded, did not fit in
// MaxFrameSize, or ctx was cancelled before any write started; per-peer failures are reported in Report.Failed.
func (b *Broadcaster) Broadcast(ctx context.Context, env *protocol.Envelope) (*Report, error) {
	wire, err := protocol.EncodeLimit(env, b.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := b.registry.Snapshot()
	report := &Report{
		Attempted: make([]peerid.ID, 0, len(snap)),
		Failed:    make(map[peerid.ID]error),
		Seqs:      make(map[peerid.ID]uint64, len(snap)),
	}

	var mu sync.Mutex
	var g errgroup.Group
	if b.Concurrency > 0 {
		g.SetLimit(b.Concurrency)
	}

	for _, e := range snap {
		report.Attempted = append(report.Attempted, e.ID)
		report.Seqs[e.ID] = e.Seq

		g.Go(func() error {
			werr := b.write(ctx, e.Handle, wire)
			if werr != nil {
				log.WithFields(log.Fields{"peer": e.ID.Short(), "seq": e.Seq}).Warnf("broadcast: write failed: %v", werr)
				mu.Lock()
				report.Failed[e.ID] = fmt.Errorf("%w: %v", ErrTransportWrite, werr)
				mu.Unlock()
			}
			// Never return the error: one peer must not cancel the others
			return nil
		})
	}
	g.Wait()

	for _, id := range report.Attempted {
		if _, failed := report.Failed[id]; !failed {
			report.Delivered = append(report.Delivered, id)
		}
	}

	log.Debugf("broadcast: %s sent to %d/%d peers", env, len(report.Delivered), len(report.Attempted))
	return report, nil
}

func (b *Broadcaster) write(ctx context.Context, h registry.Handle, wire []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var n int
	var err error
	switch w := h.(type) {
	case TimedWriter:
		n, err = w.WriteWithin(wire, b.WriteTimeout)
	case deadlineSetter:
		if b.WriteTimeout > 0 {
			if err := w.SetWriteDeadline(time.Now().Add(b.WriteTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			defer w.SetWriteDeadline(time.Time{})
		}
		n, err = h.Write(wire)
	default:
		n, err = h.Write(wire)
	}
	if err == nil && n != len(wire) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(wire))
	}
	return err
}
