package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"peerdrop/config"
	"peerdrop/swarm/client"
	"peerdrop/swarm/protocol"
)

var ErrControlDisabled = errors.New("control RPC is disabled in the config")

const controlTimeout = 30 * time.Second

func dialControl(ctx context.Context, cfg *config.Config) (*client.Client, error) {
	if cfg.Control.Listen == "" {
		return nil, ErrControlDisabled
	}
	c, err := client.Dial(ctx, cfg.Control.Listen)
	if err != nil {
		return nil, fmt.Errorf("no running node at %s: %w", cfg.Control.Listen, err)
	}
	return c, nil
}

// RunSend asks a running node to broadcast a file from its source directory.
func RunSend(ctx context.Context, cfg *config.Config, name string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	c, err := dialControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.SendFile(ctx, &protocol.SendFileRequest{FileName: name})
	if err != nil {
		return err
	}
	printDelivery(out, "File sent to", res)
	return nil
}

// RunChat asks a running node to broadcast a chat line.
func RunChat(ctx context.Context, cfg *config.Config, text string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	c, err := dialControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.SendChat(ctx, &protocol.SendChatRequest{Text: text})
	if err != nil {
		return err
	}
	printDelivery(out, "Message sent to", res)
	return nil
}

// RunPeers lists the connections of a running node.
func RunPeers(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	c, err := dialControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Peers(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Identity: %s\n", res.Self.String())
	fmt.Fprintf(out, "%d peer(s) connected\n", len(res.Peers))
	for _, p := range res.Peers {
		fmt.Fprintf(out, "  %s  seq %d  %s\n", p.PeerID.String(), p.Sequence, p.Address)
	}
	return nil
}

func printDelivery(out io.Writer, label string, res *protocol.DeliveryResponse) {
	ids := make([]string, len(res.Delivered))
	for i, id := range res.Delivered {
		ids[i] = id.String()
	}
	fmt.Fprintf(out, "%s: %s\n", label, strings.Join(ids, ", "))
	for _, f := range res.Failed {
		fmt.Fprintf(out, "  failed %s: %s\n", f.PeerID.Short(), f.Error)
	}
}
