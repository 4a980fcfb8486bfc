package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"peerdrop/config"
	"peerdrop/datastore/flatfs"
	"peerdrop/datastore/leveldb"
	"peerdrop/net/crpc"
	"peerdrop/peerid"
	"peerdrop/swarm/broadcast"
	"peerdrop/swarm/control"
	"peerdrop/swarm/discovery"
	"peerdrop/swarm/registry"

	log "github.com/sirupsen/logrus"
)

var ErrKeepAlive = errors.New("keep-alive setup failure")

// Components are the collaborators a node is assembled from. History, Control and Output are
// optional.
type Components struct {
	Discovery *discovery.Discovery
	Source    *flatfs.FlatFS
	Downloads *flatfs.FlatFS
	History   *leveldb.History
	Control   *crpc.Server
	Output    Output
}

type Node struct {
	// Node ID
	ID peerid.ID

	// Connections
	Registry    *registry.Registry
	Broadcaster *broadcast.Broadcaster
	Discovery   *discovery.Discovery

	// Storage
	Source    *flatfs.FlatFS
	Downloads *flatfs.FlatFS
	History   *leveldb.History

	// Control RPC
	Control *crpc.Server

	Output Output

	keepAlive       bool
	keepAlivePeriod time.Duration
	bootstrap       []string

	// Reader goroutines, one per connection
	readers sync.WaitGroup
}

func New(id peerid.ID, cfg *config.Config, c Components) (*Node, error) {
	if c.Discovery == nil {
		return nil, errors.New("node: discovery is required")
	}
	if c.Source == nil || c.Downloads == nil {
		return nil, errors.New("node: source and download directories are required")
	}

	reg := registry.New()

	n := &Node{
		ID:              id,
		Registry:        reg,
		Broadcaster:     broadcast.New(reg),
		Discovery:       c.Discovery,
		Source:          c.Source,
		Downloads:       c.Downloads,
		History:         c.History,
		Control:         c.Control,
		Output:          c.Output,
		keepAlive:       cfg.Node.KeepAlive,
		keepAlivePeriod: cfg.KeepAlivePeriod(),
		bootstrap:       cfg.Network.Bootstrap,
	}
	n.Broadcaster.WriteTimeout = cfg.WriteTimeout()
	n.Broadcaster.MaxFrameSize = cfg.Network.MaxFrameSize

	if n.Output == nil {
		n.Output = LogOutput{}
	}

	// Do not dial peers we already hold a connection to.
	n.Discovery.IsConnected = reg.Has

	if n.Control != nil {
		if err := n.Control.Register(&control.Control{Node: n}); err != nil {
			return nil, err
		}
	}

	log.Infof("node: I am %s", n.ID.String())

	return n, nil
}

func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Discovery.Run(cctx)
	})

	wg.Go(func() error {
		return n.connectionLoop(cctx)
	})

	if n.Control != nil {
		wg.Go(func() error {
			err := n.Control.Serve(cctx)
			if cctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	for _, addr := range n.bootstrap {
		wg.Go(func() error {
			if err := n.Discovery.Dial(cctx, addr); err != nil {
				log.Warnf("node: bootstrap %s: %v", addr, err)
			}
			return nil
		})
	}

	err := wg.Wait()

	// Handshaken connections nobody picked up.
	for drained := false; !drained; {
		select {
		case c := <-n.Discovery.Connections():
			c.Conn.Close()
		default:
			drained = true
		}
	}

	// Stop every reader and wait for their unregistrations.
	n.Registry.CloseAll()
	n.readers.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (n *Node) connectionLoop(ctx context.Context) error {
	conns := n.Discovery.Connections()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-conns:
			n.handleConnection(c)
		}
	}
}
