// Package discovery finds peers on a channel and turns them into handshaken connections.
//
// Every node listens on a TCP port and multicasts an announcement carrying its identity,
// channel and port. A node that hears an announcement from an unconnected peer with a higher
// identity dials it, so two nodes never dial each other at the same time. Both sides of a
// fresh connection exchange a Hello frame before the connection is handed to the caller.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"peerdrop/helper/timer"
	"peerdrop/net/frame"
	"peerdrop/net/mpubsub"
	"peerdrop/peerid"
	"peerdrop/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	connectionBacklog       = 16
)

var ErrHandshake = errors.New("handshake failed")
var ErrNotListening = errors.New("discovery: not listening")

type Config struct {
	PeerID  peerid.ID
	Channel string

	// ListenAddr is the TCP address peers connect to; port 0 picks a free port.
	ListenAddr       string
	HandshakeTimeout time.Duration
	MaxFrameSize     int

	// Announce controls the multicast announcement period. Ignored without a PubSub.
	Announce timer.Interval
}

// Connection is a handshaken peer connection. Reader must be used for all further reads
// from Conn since it may already hold buffered bytes.
type Connection struct {
	Conn      net.Conn
	Reader    *frame.Reader
	RemoteID  peerid.ID
	Initiator bool
}

type Discovery struct {
	cfg      Config
	pubsub   *mpubsub.PubSub
	listener net.Listener
	conns    chan Connection
	sg       singleflight.Group

	// IsConnected reports whether a peer already has a live connection; announcements from
	// such peers are ignored. Nil means never connected.
	IsConnected func(peerid.ID) bool

	mu     sync.Mutex
	runCtx context.Context
}

// New creates a discovery instance. pubsub may be nil, in which case only Dial and inbound
// connections are used.
func New(cfg Config, pubsub *mpubsub.PubSub) *Discovery {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = frame.DefaultMaxFrameSize
	}
	return &Discovery{
		cfg:    cfg,
		pubsub: pubsub,
		conns:  make(chan Connection, connectionBacklog),
	}
}

// Listen binds the TCP listener. It must be called before Run.
func (d *Discovery) Listen() error {
	addr := d.cfg.ListenAddr
	if addr == "" {
		addr = ":0"
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	d.listener = l
	log.Infof("discovery: listening on %s", l.Addr())
	return nil
}

// Close releases the listener of a discovery that will not be run. Run closes it on its own
// when ctx is cancelled.
func (d *Discovery) Close() error {
	if d.listener == nil {
		return nil
	}
	return d.listener.Close()
}

// Addr returns the bound listener address, or nil before Listen.
func (d *Discovery) Addr() *net.TCPAddr {
	if d.listener == nil {
		return nil
	}
	addr, _ := d.listener.Addr().(*net.TCPAddr)
	return addr
}

func (d *Discovery) Port() uint16 {
	if addr := d.Addr(); addr != nil {
		return uint16(addr.Port)
	}
	return 0
}

// Connections delivers every handshaken connection, inbound and outbound.
func (d *Discovery) Connections() <-chan Connection {
	return d.conns
}

// Run accepts connections, listens for announcements and announces ourselves until ctx is
// cancelled.
func (d *Discovery) Run(ctx context.Context) error {
	if d.listener == nil {
		return ErrNotListening
	}

	if d.pubsub != nil {
		if err := d.pubsub.Register(&Announcements{d: d}); err != nil {
			return err
		}
	}

	wg, cctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	d.runCtx = cctx
	d.mu.Unlock()

	wg.Go(func() error {
		return d.acceptLoop(cctx)
	})

	if d.pubsub != nil {
		wg.Go(func() error {
			err := d.pubsub.Listen(cctx)
			if cctx.Err() != nil {
				return nil
			}
			return err
		})

		wg.Go(func() error {
			interval := d.cfg.Announce
			interval.Immediate = true
			err := timer.RunWithTicker(cctx, &interval, d.announce)
			if cctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	err := wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Discovery) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := d.listener.Close(); err != nil {
			log.Warnf("discovery: error closing listener %s: %v", d.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Infof("discovery: shutting down listener %s", d.listener.Addr())
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, time.Second)
				log.Warnf("discovery: accept error on %s: %v; retrying in %v", d.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("discovery: critical accept error on %s: %v", d.listener.Addr(), err)
			return err
		}
		tempDelay = 0

		go func() {
			c, err := d.handshake(ctx, conn, false)
			if err != nil {
				log.Warnf("discovery: rejecting connection from %s: %v", conn.RemoteAddr(), err)
				conn.Close()
				return
			}
			d.emit(ctx, c)
		}()
	}
}

// Dial connects to addr, performs the handshake and emits the connection. Concurrent dials to
// the same address are collapsed into one.
func (d *Discovery) Dial(ctx context.Context, addr string) error {
	_, err, _ := d.sg.Do(addr, func() (any, error) {
		dialer := &net.Dialer{Timeout: d.cfg.HandshakeTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}

		c, err := d.handshake(ctx, conn, true)
		if err != nil {
			conn.Close()
			return nil, err
		}

		log.Infof("discovery: connected to %s at %s", c.RemoteID.Short(), addr)
		d.emit(ctx, c)
		return nil, nil
	})
	return err
}

func (d *Discovery) emit(ctx context.Context, c *Connection) {
	select {
	case d.conns <- *c:
	case <-ctx.Done():
		c.Conn.Close()
	}
}

// handshake exchanges Hello frames within HandshakeTimeout.
func (d *Discovery) handshake(ctx context.Context, conn net.Conn, initiator bool) (*Connection, error) {
	deadline := time.Now().Add(d.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	hello := &protocol.Hello{
		Version: protocol.Version,
		PeerID:  d.cfg.PeerID,
		Channel: d.cfg.Channel,
	}
	if err := protocol.WriteMessage(conn, hello); err != nil {
		return nil, fmt.Errorf("%w: write hello: %v", ErrHandshake, err)
	}

	fr := frame.NewReader(conn)
	fr.MaxFrameSize = d.cfg.MaxFrameSize

	remote := &protocol.Hello{}
	if err := protocol.ReadMessage(fr, remote); err != nil {
		return nil, fmt.Errorf("%w: read hello: %v", ErrHandshake, err)
	}
	if err := d.checkHello(remote); err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return &Connection{
		Conn:      conn,
		Reader:    fr,
		RemoteID:  remote.PeerID,
		Initiator: initiator,
	}, nil
}

func (d *Discovery) checkHello(h *protocol.Hello) error {
	switch {
	case h.Version != protocol.Version:
		return fmt.Errorf("%w: version %d, want %d", ErrHandshake, h.Version, protocol.Version)
	case h.Channel != d.cfg.Channel:
		return fmt.Errorf("%w: channel %q, want %q", ErrHandshake, h.Channel, d.cfg.Channel)
	case h.PeerID.IsZero():
		return fmt.Errorf("%w: empty peer id", ErrHandshake)
	case h.PeerID == d.cfg.PeerID:
		return fmt.Errorf("%w: connected to self", ErrHandshake)
	}
	return nil
}

// This is run via the RunWithTicker() helper
func (d *Discovery) announce(ctx context.Context) error {
	msg := &protocol.AnnouncementMessage{
		PeerID:  d.cfg.PeerID,
		Channel: d.cfg.Channel,
		Port:    d.Port(),
	}
	if err := d.pubsub.Publish("Announcements.Announcement", msg); err != nil {
		log.Errorf("discovery: failed to publish announcement: %v", err)
	}
	return nil
}

func (d *Discovery) isConnected(id peerid.ID) bool {
	return d.IsConnected != nil && d.IsConnected(id)
}

// Announcements receives multicast announcements.
type Announcements struct {
	d *Discovery
}

func (a *Announcements) Announcement(from *net.UDPAddr, msg *protocol.AnnouncementMessage) {
	d := a.d
	if msg.PeerID == d.cfg.PeerID {
		return
	}
	if msg.Channel != d.cfg.Channel {
		log.Debugf("discovery: ignoring announcement for channel %q from %s", msg.Channel, from)
		return
	}
	if msg.Port == 0 || d.isConnected(msg.PeerID) {
		return
	}
	// The peer with the lower identity dials.
	if !d.cfg.PeerID.Less(msg.PeerID) {
		log.Debugf("discovery: waiting for %s to dial us", msg.PeerID.Short())
		return
	}

	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()
	if ctx == nil {
		return
	}

	addr := net.JoinHostPort(from.IP.String(), strconv.Itoa(int(msg.Port)))
	log.Infof("discovery: found %s at %s", msg.PeerID.Short(), addr)
	go func() {
		if err := d.Dial(ctx, addr); err != nil {
			log.Warnf("discovery: %v", err)
		}
	}()
}
