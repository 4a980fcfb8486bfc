package client

import (
	"context"

	"peerdrop/net/crpc"
	"peerdrop/swarm/protocol"
)

// Client talks to the control service of a running node.
type Client struct {
	*crpc.Client
}

func Dial(ctx context.Context, address string) (*Client, error) {
	c, err := crpc.Dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c}, nil
}

func (c *Client) SendFile(ctx context.Context, req *protocol.SendFileRequest) (*protocol.DeliveryResponse, error) {
	res := &protocol.DeliveryResponse{}
	if err := c.Call(ctx, "Control.SendFile", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) SendChat(ctx context.Context, req *protocol.SendChatRequest) (*protocol.DeliveryResponse, error) {
	res := &protocol.DeliveryResponse{}
	if err := c.Call(ctx, "Control.SendChat", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Peers(ctx context.Context) (*protocol.PeersResponse, error) {
	res := &protocol.PeersResponse{}
	if err := c.Call(ctx, "Control.Peers", &protocol.PeersRequest{}, res); err != nil {
		return nil, err
	}
	return res, nil
}
