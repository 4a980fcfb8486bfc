package commands

import (
	"context"
	"fmt"
	"io"
	"net"

	"peerdrop/config"
	"peerdrop/datastore/flatfs"
	"peerdrop/datastore/leveldb"
	"peerdrop/helper/timer"
	"peerdrop/net/crpc"
	"peerdrop/net/mpubsub"
	"peerdrop/peerid"
	"peerdrop/swarm/discovery"
	"peerdrop/swarm/node"

	log "github.com/sirupsen/logrus"
)

// RunServe starts a node and reads commands from in until ctx is cancelled.
// Errors are returned only for startup failures.
func RunServe(ctx context.Context, cfg *config.Config, mode Mode, in io.Reader, out io.Writer) error {
	id, err := peerid.Random()
	if err != nil {
		return err
	}

	// Creating storage
	source, err := flatfs.New(cfg.Files.Source, false)
	if err != nil {
		return fmt.Errorf("failed to open source directory: %w", err)
	}
	downloads, err := flatfs.New(cfg.Files.Downloads, true)
	if err != nil {
		return fmt.Errorf("failed to open download directory: %w", err)
	}
	history, err := leveldb.OpenHistory(cfg.DataStore.HistoryPath)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer history.Close()

	// Multicast discovery is optional: without it only bootstrap peers are reached.
	var pubsub *mpubsub.PubSub
	if cfg.Network.Multicast != "" {
		pubsub, err = mpubsub.Open(cfg.Network.Multicast, cfg.Network.Interface)
		if err != nil {
			log.Warnf("Multicast discovery disabled: %v", err)
			pubsub = nil
		} else {
			defer pubsub.Close()
		}
	}

	disc := discovery.New(discovery.Config{
		PeerID:           id,
		Channel:          cfg.Node.Channel,
		ListenAddr:       cfg.Network.Listen,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		MaxFrameSize:     cfg.Network.MaxFrameSize,
		Announce: timer.Interval{
			Duration: cfg.AnnounceInterval(),
			Jitter:   cfg.AnnounceJitter(),
		},
	}, pubsub)
	if err := disc.Listen(); err != nil {
		return fmt.Errorf("failed to listen for peers: %w", err)
	}

	// Until the node runs, listeners are ours to close.
	var control *crpc.Server
	var controlListener net.Listener
	running := false
	defer func() {
		if running {
			return
		}
		disc.Close()
		if controlListener != nil {
			controlListener.Close()
		}
	}()

	// Create the control RPC server and listener
	if cfg.Control.Listen != "" {
		controlListener, err = net.Listen("tcp", cfg.Control.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen for control connections: %w", err)
		}
		control = crpc.NewServer(controlListener)
		log.Infof("Control RPC listening on %s", control.Addr())
	}

	cons := &console{mode: mode, out: &syncWriter{w: out}}

	n, err := node.New(id, cfg, node.Components{
		Discovery: disc,
		Source:    source,
		Downloads: downloads,
		History:   history,
		Control:   control,
		Output:    &consoleOutput{out: cons.out},
	})
	if err != nil {
		return err
	}
	cons.node = n

	cons.out.Printf("Your identity: %s\n", id.String())
	cons.out.Printf("Listening for peers on port %d, channel %q\n", disc.Port(), cfg.Node.Channel)
	cons.out.Printf("Mode: %s. Commands: /file <name>, /chat <text>, /peers, /files\n", mode)

	running = true
	go cons.run(ctx, in)

	return n.Run(ctx)
}
