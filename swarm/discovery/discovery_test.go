package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"peerdrop/peerid"
	"peerdrop/swarm/protocol"
)

func startDiscovery(t *testing.T, id peerid.ID, channel string) *Discovery {
	t.Helper()
	d := New(Config{
		PeerID:           id,
		Channel:          channel,
		ListenAddr:       "127.0.0.1:0",
		HandshakeTimeout: 2 * time.Second,
	}, nil)
	if err := d.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})

	// Run publishes runCtx asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		ready := d.runCtx != nil
		d.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("discovery did not start")
		}
		time.Sleep(time.Millisecond)
	}
	return d
}

func nextConnection(t *testing.T, d *Discovery) Connection {
	t.Helper()
	select {
	case c := <-d.Connections():
		t.Cleanup(func() { c.Conn.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	return Connection{}
}

func TestDialHandshake(t *testing.T) {
	idA, idB := peerid.MustRandom(), peerid.MustRandom()
	a := startDiscovery(t, idA, "chan")
	b := startDiscovery(t, idB, "chan")

	if err := a.Dial(context.Background(), b.Addr().String()); err != nil {
		t.Fatalf("dial: %v", err)
	}

	ca := nextConnection(t, a)
	cb := nextConnection(t, b)

	if ca.RemoteID != idB || !ca.Initiator {
		t.Errorf("dialer got remote %s initiator %v", ca.RemoteID.Short(), ca.Initiator)
	}
	if cb.RemoteID != idA || cb.Initiator {
		t.Errorf("acceptor got remote %s initiator %v", cb.RemoteID.Short(), cb.Initiator)
	}

	// The handed over reader continues the stream after the hello.
	env := protocol.ChatLine("after hello")
	wire, err := protocol.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ca.Conn.Write(wire); err != nil {
		t.Fatal(err)
	}
	got, err := protocol.NewFrameDecoder(cb.Reader).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "after hello" {
		t.Errorf("got %q", got.Text)
	}
}

func TestHandshakeRejectsOtherChannel(t *testing.T) {
	a := startDiscovery(t, peerid.MustRandom(), "one")
	b := startDiscovery(t, peerid.MustRandom(), "two")

	err := a.Dial(context.Background(), b.Addr().String())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("got %v, want ErrHandshake", err)
	}
}

func TestHandshakeRejectsSelf(t *testing.T) {
	a := startDiscovery(t, peerid.MustRandom(), "chan")

	err := a.Dial(context.Background(), a.Addr().String())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("got %v, want ErrHandshake", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	d := New(Config{PeerID: peerid.MustRandom(), Channel: "chan", HandshakeTimeout: 100 * time.Millisecond}, nil)

	// A listener that accepts but never says hello.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err == nil {
			defer c.Close()
			time.Sleep(time.Second)
		}
	}()

	err = d.Dial(context.Background(), l.Addr().String())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("got %v, want ErrHandshake", err)
	}
}

func TestAnnouncementTieBreak(t *testing.T) {
	low := peerid.ID{1}
	high := peerid.ID{2}

	dLow := startDiscovery(t, low, "chan")
	dHigh := startDiscovery(t, high, "chan")

	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}

	// The higher identity waits to be dialed.
	(&Announcements{d: dHigh}).Announcement(from, &protocol.AnnouncementMessage{PeerID: low, Channel: "chan", Port: dLow.Port()})
	select {
	case c := <-dHigh.Connections():
		c.Conn.Close()
		t.Fatal("higher identity dialed")
	case <-time.After(200 * time.Millisecond):
	}

	// Other channels and our own announcements are ignored.
	(&Announcements{d: dLow}).Announcement(from, &protocol.AnnouncementMessage{PeerID: high, Channel: "other", Port: dHigh.Port()})
	(&Announcements{d: dLow}).Announcement(from, &protocol.AnnouncementMessage{PeerID: low, Channel: "chan", Port: dLow.Port()})
	select {
	case c := <-dLow.Connections():
		c.Conn.Close()
		t.Fatal("unexpected dial")
	case <-time.After(200 * time.Millisecond):
	}

	// The lower identity dials.
	(&Announcements{d: dLow}).Announcement(from, &protocol.AnnouncementMessage{PeerID: high, Channel: "chan", Port: dHigh.Port()})
	c := nextConnection(t, dLow)
	if c.RemoteID != high || !c.Initiator {
		t.Errorf("got remote %s initiator %v", c.RemoteID.Short(), c.Initiator)
	}
	nextConnection(t, dHigh)
}

func TestAnnouncementSkipsConnected(t *testing.T) {
	low := peerid.ID{1}
	high := peerid.ID{2}

	dLow := startDiscovery(t, low, "chan")
	dHigh := startDiscovery(t, high, "chan")
	dLow.IsConnected = func(id peerid.ID) bool { return id == high }

	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	(&Announcements{d: dLow}).Announcement(from, &protocol.AnnouncementMessage{PeerID: high, Channel: "chan", Port: dHigh.Port()})

	select {
	case c := <-dLow.Connections():
		c.Conn.Close()
		t.Fatal("dialed an already connected peer")
	case <-time.After(200 * time.Millisecond):
	}
}
