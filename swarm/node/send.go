package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"peerdrop/datamodel/transfer"
	"peerdrop/datastore/flatfs"
	"peerdrop/net/frame"
	"peerdrop/peerid"
	"peerdrop/swarm/broadcast"
	"peerdrop/swarm/protocol"
	"peerdrop/swarm/registry"

	log "github.com/sirupsen/logrus"
)

// SendFile reads name from the source directory and broadcasts it to every connected peer.
// A file too large for the peers' frame limit fails like an unreadable one, with
// flatfs.ErrFileIO, and nothing is sent.
func (n *Node) SendFile(ctx context.Context, name string) (*broadcast.Report, error) {
	ok, err := n.Source.Has(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s: no such file in %s", flatfs.ErrFileIO, name, n.Source.Path())
	}
	data, err := n.Source.Read(name)
	if err != nil {
		return nil, err
	}
	base, err := flatfs.CleanName(name)
	if err != nil {
		return nil, err
	}

	env := protocol.FileTransfer(base, data)
	report, err := n.Broadcaster.Broadcast(ctx, env)
	if errors.Is(err, frame.ErrFrameTooLarge) {
		return nil, fmt.Errorf("%w: %s: %w", flatfs.ErrFileIO, name, err)
	}
	if err != nil {
		return nil, err
	}
	log.Infof("File sent to: %s", joinIDs(report.Delivered))

	n.recordTransfer(&transfer.Record{
		Direction: transfer.Outbound,
		Kind:      string(env.Kind),
		Peers:     report.Delivered,
		FileName:  base,
		Size:      uint64(len(data)),
		Failed:    uint64(len(report.Failed)),
	})
	return report, nil
}

// SendChat broadcasts a chat line to every connected peer.
func (n *Node) SendChat(ctx context.Context, text string) (*broadcast.Report, error) {
	env := protocol.ChatLine(text)
	report, err := n.Broadcaster.Broadcast(ctx, env)
	if err != nil {
		return nil, err
	}
	log.Infof("Chat sent to: %s", joinIDs(report.Delivered))

	n.recordTransfer(&transfer.Record{
		Direction: transfer.Outbound,
		Kind:      string(env.Kind),
		Peers:     report.Delivered,
		Size:      uint64(len(text)),
		Failed:    uint64(len(report.Failed)),
	})
	return report, nil
}

// Files lists the files that can be sent from the source directory.
func (n *Node) Files() ([]string, error) {
	return n.Source.Enumerate()
}

// Peers lists the live connections.
func (n *Node) Peers() []protocol.PeerInfo {
	snap := n.Registry.Snapshot()
	peers := make([]protocol.PeerInfo, 0, len(snap))
	for _, e := range snap {
		peers = append(peers, protocol.PeerInfo{
			PeerID:   e.ID,
			Sequence: e.Seq,
			Address:  remoteAddr(e.Handle),
		})
	}
	return peers
}

// Self returns the identity of this node.
func (n *Node) Self() peerid.ID {
	return n.ID
}

func remoteAddr(h registry.Handle) string {
	if c, ok := h.(interface{ RemoteAddr() net.Addr }); ok {
		return c.RemoteAddr().String()
	}
	return ""
}

func joinIDs(ids []peerid.ID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	return strings.Join(s, ", ")
}
