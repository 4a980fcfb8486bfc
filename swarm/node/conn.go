package node

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"peerdrop/datamodel/peer"
	"peerdrop/datamodel/transfer"
	"peerdrop/datastore/flatfs"
	"peerdrop/peerid"
	"peerdrop/swarm/discovery"
	"peerdrop/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// lockedConn serializes writes so frames of concurrent broadcasts never interleave.
type lockedConn struct {
	net.Conn
	initiator bool

	mu sync.Mutex
}

func (c *lockedConn) Write(b []byte) (int, error) {
	return c.WriteWithin(b, 0)
}

// WriteWithin writes b with a deadline of timeout from now. The deadline is set under the
// write lock so a concurrent writer cannot move it.
func (c *lockedConn) WriteWithin(b []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.Conn.Write(b)
}

// enableKeepAlive is replaced in tests.
var enableKeepAlive = setKeepAlive

func setKeepAlive(conn net.Conn, period time.Duration) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("%w: %T is not a TCP connection", ErrKeepAlive, conn)
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return fmt.Errorf("%w: %v", ErrKeepAlive, err)
	}
	if err := tc.SetKeepAlivePeriod(period); err != nil {
		return fmt.Errorf("%w: %v", ErrKeepAlive, err)
	}
	return nil
}

// dialedByLower reports whether c was dialed by the peer with the lower ID.
func (n *Node) dialedByLower(c discovery.Connection) bool {
	return c.Initiator == n.ID.Less(c.RemoteID)
}

// handleConnection registers c, replacing and closing any older connection of the same peer,
// and starts its reader.
//
// When both peers dial each other at once, each ends up with two connections in opposite
// directions, arriving in any order. Both then keep the one dialed by the lower ID and close
// the other, so they agree on a single link.
func (n *Node) handleConnection(c discovery.Connection) {
	if old, ok := n.Registry.Get(c.RemoteID); ok {
		if oc, ok := old.(*lockedConn); ok && oc.initiator != c.Initiator && !n.dialedByLower(c) {
			log.WithField("peer", c.RemoteID.Short()).Info("node: keeping the connection dialed by the lower id")
			c.Conn.Close()
			return
		}
	}

	lc := &lockedConn{Conn: c.Conn, initiator: c.Initiator}

	seq, prev := n.Registry.Replace(c.RemoteID, lc)
	logger := log.WithFields(log.Fields{"peer": c.RemoteID.Short(), "seq": seq})
	if prev != nil {
		logger.Info("node: replacing previous connection")
		prev.Close()
	}
	logger.Infof("node: connected to %s (initiator: %v)", c.Conn.RemoteAddr(), c.Initiator)

	// Only the dialing side turns on keep-alive.
	if c.Initiator && n.keepAlive {
		if err := enableKeepAlive(c.Conn, n.keepAlivePeriod); err != nil {
			logger.Warnf("node: %v", err)
		}
	}

	n.recordConnect(c, seq)

	n.readers.Add(1)
	go n.readLoop(c, lc, seq)
}

func (n *Node) readLoop(c discovery.Connection, lc *lockedConn, seq uint64) {
	defer n.readers.Done()

	logger := log.WithFields(log.Fields{"peer": c.RemoteID.Short(), "seq": seq})
	dec := protocol.NewFrameDecoder(c.Reader)
	for {
		env, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedEnvelope) {
				logger.Warnf("node: dropping message: %v", err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Debugf("node: connection closed: %v", err)
			} else {
				logger.Warnf("node: closing connection: %v", err)
			}
			break
		}
		n.deliver(c.RemoteID, env)
	}

	lc.Close()
	if n.Registry.Unregister(c.RemoteID, seq) {
		logger.Info("node: peer disconnected")
	} else {
		logger.Debug("node: stale connection closed, newer one kept")
	}
	n.recordDisconnect(c.RemoteID)
}

func (n *Node) deliver(from peerid.ID, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindFile:
		name, err := flatfs.CleanName(env.FileName)
		if err != nil {
			log.Warnf("node: rejecting file from %s: %v", from.Short(), err)
			return
		}
		path, err := n.Downloads.Write(name, env.Payload)
		if err != nil {
			log.Errorf("node: failed to save %s from %s: %v", name, from.Short(), err)
			return
		}
		n.Output.FileReceived(from, name, path, len(env.Payload))
		n.recordTransfer(&transfer.Record{
			Direction: transfer.Inbound,
			Kind:      string(env.Kind),
			Peers:     []peerid.ID{from},
			FileName:  name,
			Size:      uint64(len(env.Payload)),
			Path:      path,
		})

	case protocol.KindChat:
		n.Output.ChatReceived(from, env.Text)
		n.recordTransfer(&transfer.Record{
			Direction: transfer.Inbound,
			Kind:      string(env.Kind),
			Peers:     []peerid.ID{from},
			Size:      uint64(len(env.Text)),
		})
	}
}

func (n *Node) recordConnect(c discovery.Connection, seq uint64) {
	if n.History == nil {
		return
	}
	now := time.Now()
	_, err := n.History.Peers.Update(c.RemoteID, func(m *peer.Metadata) {
		if m.FirstSeen.IsZero() {
			m.FirstSeen = now
		}
		m.LastSeen = now
		m.LastAddress = c.Conn.RemoteAddr().String()
		m.Connections++
		m.LastSequence = seq
		m.Initiator = c.Initiator
	})
	if err != nil {
		log.Errorf("node: failed to store peer history: %v", err)
	}
}

func (n *Node) recordDisconnect(id peerid.ID) {
	if n.History == nil {
		return
	}
	_, err := n.History.Peers.Update(id, func(m *peer.Metadata) {
		m.LastSeen = time.Now()
	})
	if err != nil {
		log.Errorf("node: failed to store peer history: %v", err)
	}
}

func (n *Node) recordTransfer(rec *transfer.Record) {
	if n.History == nil {
		return
	}
	rec.Time = time.Now()
	if _, err := n.History.Transfers.Append(rec); err != nil {
		log.Errorf("node: failed to append transfer log: %v", err)
	}
}
