// Package control exposes a running node to other processes over crpc.
package control

import (
	"context"
	"errors"
	"sort"

	"peerdrop/peerid"
	"peerdrop/swarm/broadcast"
	"peerdrop/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// API is the part of a node the control service drives.
type API interface {
	Self() peerid.ID
	SendFile(ctx context.Context, name string) (*broadcast.Report, error)
	SendChat(ctx context.Context, text string) (*broadcast.Report, error)
	Peers() []protocol.PeerInfo
}

type Control struct {
	Node API
}

// RPC: SendFile
func (s *Control) SendFile(req *protocol.SendFileRequest, res *protocol.DeliveryResponse) error {
	log.Infof("Control.SendFile %q", req.FileName)
	if req.FileName == "" {
		return errors.New("file name is empty")
	}
	report, err := s.Node.SendFile(context.Background(), req.FileName)
	if err != nil {
		return err
	}
	*res = *Response(report)
	return nil
}

// RPC: SendChat
func (s *Control) SendChat(req *protocol.SendChatRequest, res *protocol.DeliveryResponse) error {
	log.Infof("Control.SendChat %q", req.Text)
	report, err := s.Node.SendChat(context.Background(), req.Text)
	if err != nil {
		return err
	}
	*res = *Response(report)
	return nil
}

// RPC: Peers
func (s *Control) Peers(req *protocol.PeersRequest, res *protocol.PeersResponse) error {
	res.Self = s.Node.Self()
	res.Peers = s.Node.Peers()
	return nil
}

// Response converts a broadcast report to its wire form. Failed peers are sorted by id.
func Response(r *broadcast.Report) *protocol.DeliveryResponse {
	res := &protocol.DeliveryResponse{
		Attempted: r.Attempted,
		Delivered: r.Delivered,
	}
	for id, err := range r.Failed {
		res.Failed = append(res.Failed, protocol.FailedPeer{PeerID: id, Error: err.Error()})
	}
	sort.Slice(res.Failed, func(i, j int) bool {
		return res.Failed[i].PeerID.Less(res.Failed[j].PeerID)
	})
	return res
}
