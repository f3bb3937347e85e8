package kernel

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/discovery"
	"github.com/MixinNetwork/peernet/logger"
	"github.com/MixinNetwork/peernet/p2p"
	"github.com/MixinNetwork/peernet/routing"
	"github.com/MixinNetwork/peernet/rpc"
	"github.com/MixinNetwork/peernet/storage"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

const (
	DialTimeout = 10 * time.Second
)

// Node assembles the connection manager, the discovery extension, the
// routing table and the optional persistence and status surfaces.
type Node struct {
	Manager   *p2p.Manager
	Discovery *discovery.Extension
	Routing   *routing.Table

	custom *config.Custom
	clock  clock.Clock
	store  storage.Store
	server *http.Server
}

func SetupNode(custom *config.Custom, clk clock.Clock) (*Node, error) {
	err := custom.Validate()
	if err != nil {
		return nil, err
	}
	node := &Node{
		custom: custom,
		clock:  clk,
	}

	transport, err := p2p.NewTransport(custom.Network.Transport, custom.Network.Listener)
	if err != nil {
		return nil, err
	}
	node.Manager = p2p.NewManager(custom, transport, clk)

	var persist routing.Store
	if custom.Routing.Persist {
		store, err := storage.NewBadgerStore(custom, custom.Node.DataDir)
		if err != nil {
			return nil, err
		}
		node.store = store
		persist = store
	}
	node.Routing, err = routing.NewTable(custom.Routing.MaxCandidates, persist)
	if err != nil {
		return nil, multierr.Append(err, node.closeStore())
	}
	node.Manager.Notify(node.Routing)

	node.Discovery = discovery.NewExtension(discovery.Config{
		BucketSize: uint8(custom.Discovery.BucketSize),
		TRefresh:   custom.RefreshInterval(),
	})
	node.Discovery.SetRoutingTable(node.Routing)
	err = node.Manager.RegisterExtension(node.Discovery)
	if err != nil {
		return nil, multierr.Append(err, node.closeStore())
	}

	if p := custom.RPC.Port; p > 0 {
		node.server = rpc.NewServer(&rpc.R{
			Custom:  custom,
			Node:    node.Manager,
			Routing: node.Routing,
		}, p)
	}

	logger.Printf("Signer:\t%s\n", custom.Node.Signer.Public())
	logger.Printf("Node Id:\t%s\n", node.Manager.NodeId())
	logger.Printf("Transport:\t%s\n", custom.Network.Transport)
	return node, nil
}

// Start brings up the listener, the status server and the seed connections.
func (node *Node) Start(ctx context.Context) error {
	err := node.Manager.Start(ctx)
	if err != nil {
		return err
	}
	logger.Printf("Listen:\t%s\n", node.Manager.Addr())

	if node.server != nil {
		panicGo(func() error {
			err := node.server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	for _, s := range node.custom.Network.Seeds {
		addr, id, err := p2p.ParseSeed(s)
		if err != nil {
			logger.Printf("kernel.ParseSeed(%s) => %v\n", s, err)
			continue
		}
		node.dial(ctx, addr, id)
	}
	return nil
}

// Loop runs the node until the context is done or a termination signal
// arrives.
func (node *Node) Loop(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := node.Start(ctx)
	if err != nil {
		return err
	}
	node.loopDialCandidates(ctx)
	logger.Println("kernel.Loop() => shutdown")
	return nil
}

func (node *Node) Close() error {
	var err error
	if node.server != nil {
		err = multierr.Append(err, node.server.Close())
	}
	if merr := node.Manager.Close(); !errors.Is(merr, p2p.ErrManagerNotStarted) {
		err = multierr.Append(err, merr)
	}
	return multierr.Append(err, node.closeStore())
}

func (node *Node) closeStore() error {
	if node.store == nil {
		return nil
	}
	return node.store.Close()
}

func panicGo(f func() error) {
	go func() {
		if err := f(); err != nil {
			panic(err)
		}
	}()
}
