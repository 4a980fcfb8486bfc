package mpubsub

import (
	"context"
	"net"
	"testing"
	"time"
)

type Ping struct {
	Text string `cbor:"1,keyasint,omitempty"`
}

type Recorder struct {
	got chan *Ping
}

func (r *Recorder) Ping(from *net.UDPAddr, msg *Ping) {
	r.got <- msg
}

func (r *Recorder) NotAHandler(msg *Ping) {}

// Unicast loopback stands in for the multicast group so the test does not depend on host routing.
func newLoopbackPubSub(t *testing.T) *PubSub {
	t.Helper()
	rc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	wc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ps := New(rc, wc, rc.LocalAddr().(*net.UDPAddr))
	t.Cleanup(func() { ps.Close() })
	return ps
}

func TestPublishDispatch(t *testing.T) {
	ps := newLoopbackPubSub(t)

	rec := &Recorder{got: make(chan *Ping, 1)}
	if err := ps.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ps.Listen(ctx) }()

	// Unknown service and method are ignored.
	if err := ps.Publish("Nobody.Ping", &Ping{Text: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ps.Publish("Recorder.NotAHandler", &Ping{Text: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ps.Publish("Recorder.Ping", &Ping{Text: "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-rec.got:
		if msg.Text != "hello" {
			t.Errorf("got %q, want hello", msg.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

type unexported struct{}

func (unexported) Ping(from *net.UDPAddr, msg *Ping) {}

type Empty struct{}

func TestRegisterRejects(t *testing.T) {
	ps := newLoopbackPubSub(t)
	if err := ps.Register(unexported{}); err != ErrNoService {
		t.Errorf("unexported: got %v, want ErrNoService", err)
	}
	if err := ps.Register(&Empty{}); err != ErrNoService {
		t.Errorf("empty: got %v, want ErrNoService", err)
	}
}
