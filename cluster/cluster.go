// Package cluster assembles a set of Ben-Or nodes over one transport
// kind inside a single process and drives them as a unit.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/usernamenenad/benor-quic/core"
	"github.com/usernamenenad/benor-quic/impl/benor"
	benorquic "github.com/usernamenenad/benor-quic/transport/benor-quic"
	benortcp "github.com/usernamenenad/benor-quic/transport/benor-tcp"
	benorzmq "github.com/usernamenenad/benor-quic/transport/benor-zmq"
)

var (
	ErrUnknownKind  = errors.New("unknown transport kind")
	ErrBadValues    = errors.New("initial values do not match cluster size")
	ErrDisagreement = errors.New("nodes decided different values")
	ErrUndecided    = errors.New("not every live node has decided")
)

// Kind selects the transport connecting the nodes.
type Kind string

const (
	KindMemory Kind = "mem"
	KindTCP    Kind = "tcp"
	KindQUIC   Kind = "quic"
	KindZMQ    Kind = "zmq"
)

func Kinds() []Kind {
	return []Kind{KindMemory, KindTCP, KindQUIC, KindZMQ}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type Options struct {
	Kind   Kind
	Config *benor.Config

	// Values holds one initial value per node; its length must equal N.
	Values []core.Value
	Faulty map[core.NodeId]bool

	// Seed makes every node's coin deterministic. Zero uses LocalCoin.
	Seed uint64

	// Delay injects per-link latency. Only the in-memory network honours it.
	Delay benor.DelayFunc

	// Heartbeat starts QUIC liveness datagrams at this interval when positive.
	Heartbeat time.Duration

	Metrics *benor.Metrics
	Logger  *slog.Logger
}

type transport interface {
	core.Transport
	core.Readier
}

// Cluster owns N nodes and the transports they talk over.
type Cluster struct {
	kind       Kind
	config     *benor.Config
	nodes      []*benor.Node
	transports []transport
	closers    []io.Closer
	logger     *slog.Logger
}

// New builds the transports, waits for them to connect and creates one
// node per initial value. Nodes are not started.
func New(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: missing config", benor.ErrInvalidConfig)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Values) != opts.Config.N {
		return nil, fmt.Errorf("%w: got %d values for N=%d", ErrBadValues, len(opts.Values), opts.Config.N)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if faulty := len(opts.Faulty); faulty > opts.Config.F {
		logger.Warn("more faulty nodes than tolerated, consensus may stall", "faulty", faulty, "f", opts.Config.F)
	}

	c := &Cluster{
		kind:   opts.Kind,
		config: opts.Config,
		logger: logger,
	}

	if err := c.buildTransports(ctx, opts); err != nil {
		c.Close()
		return nil, err
	}

	for i, v := range opts.Values {
		id := core.NodeId(i)

		nodeOpts := []benor.Option{
			benor.WithLogger(logger),
			benor.WithMetrics(opts.Metrics),
		}
		if opts.Seed != 0 {
			nodeOpts = append(nodeOpts, benor.WithCoin(benor.NewSeededCoin(opts.Seed+uint64(i))))
		}

		node, err := benor.NewNode(id, opts.Config, v, opts.Faulty[id], c.transports[i], nodeOpts...)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		c.nodes = append(c.nodes, node)
	}

	return c, nil
}

func (c *Cluster) buildTransports(ctx context.Context, opts Options) error {
	n := opts.Config.N
	codec := benor.NewCodec()

	switch opts.Kind {
	case KindMemory:
		var netOpts []benor.LocalOption
		if opts.Delay != nil {
			netOpts = append(netOpts, benor.WithDelay(opts.Delay))
		}
		network := benor.NewLocalNetwork(n, netOpts...)
		for i := 0; i < n; i++ {
			c.transports = append(c.transports, network.Join(core.NodeId(i)))
		}
		c.closers = append(c.closers, network)
		return nil

	case KindTCP:
		addrs := make(map[core.NodeId]string, n)
		var trs []*benortcp.TCPTransport
		for i := 0; i < n; i++ {
			tr, err := benortcp.NewTCPTransport(core.NodeId(i), "127.0.0.1:0", codec, c.logger)
			if err != nil {
				return err
			}
			trs = append(trs, tr)
			c.transports = append(c.transports, tr)
			c.closers = append(c.closers, tr)
			addrs[core.NodeId(i)] = tr.Addr()
		}
		for i, tr := range trs {
			tr.Connect(peersOf(core.NodeId(i), addrs))
		}
		for _, tr := range trs {
			if err := tr.WaitForReady(ctx); err != nil {
				return fmt.Errorf("tcp transport not ready: %w", err)
			}
		}
		return nil

	case KindQUIC:
		addrs := make(map[core.NodeId]string, n)
		var trs []*benorquic.QUICTransport
		for i := 0; i < n; i++ {
			tr, err := benorquic.NewQUICTransport(core.NodeId(i), "127.0.0.1:0", codec, nil, c.logger)
			if err != nil {
				return err
			}
			trs = append(trs, tr)
			c.transports = append(c.transports, tr)
			c.closers = append(c.closers, tr)
			addrs[core.NodeId(i)] = tr.Addr()
		}
		for i, tr := range trs {
			tr.Connect(peersOf(core.NodeId(i), addrs))
		}
		for _, tr := range trs {
			if err := tr.WaitForReady(ctx); err != nil {
				return fmt.Errorf("quic transport not ready: %w", err)
			}
			if opts.Heartbeat > 0 {
				tr.StartHeartbeat(opts.Heartbeat)
			}
		}
		return nil

	case KindZMQ:
		endpoints := make(map[core.NodeId]string, n)
		var trs []*benorzmq.ZMQTransport
		for i := 0; i < n; i++ {
			tr, err := benorzmq.NewZMQTransport(core.NodeId(i), "tcp://127.0.0.1:0", codec, c.logger)
			if err != nil {
				return err
			}
			trs = append(trs, tr)
			c.transports = append(c.transports, tr)
			c.closers = append(c.closers, tr)
			endpoints[core.NodeId(i)] = tr.Endpoint()
		}
		for i, tr := range trs {
			tr.Connect(peersOf(core.NodeId(i), endpoints))
		}
		for _, tr := range trs {
			if err := tr.WaitForReady(ctx); err != nil {
				return fmt.Errorf("zmq transport not ready: %w", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}
}

func peersOf(self core.NodeId, addrs map[core.NodeId]string) map[core.NodeId]string {
	peers := make(map[core.NodeId]string, len(addrs)-1)
	for id, addr := range addrs {
		if id != self {
			peers[id] = addr
		}
	}
	return peers
}

func (c *Cluster) Kind() Kind {
	return c.kind
}

func (c *Cluster) Nodes() []*benor.Node {
	return c.nodes
}

// Ready reports whether every transport has all of its peer links up.
func (c *Cluster) Ready() bool {
	for _, tr := range c.transports {
		if !tr.Ready() {
			return false
		}
	}
	return len(c.transports) > 0
}

// Start launches every node. All nodes are attempted; failures are joined.
func (c *Cluster) Start(ctx context.Context) error {
	var errs []error
	for _, node := range c.nodes {
		if err := node.Start(ctx, c.Ready); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", node.GetNodeId(), err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every live node has decided or ctx is done.
func (c *Cluster) Wait(ctx context.Context) error {
	for _, node := range c.nodes {
		if node.Status() == benor.StatusFaulty {
			continue
		}
		select {
		case <-node.Done():
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUndecided, ctx.Err())
		}
	}
	return nil
}

// Decision returns the value every live node decided.
func (c *Cluster) Decision() (core.Value, error) {
	decision := core.ValueNil
	for _, r := range c.Reports() {
		if r.Status == benor.StatusFaulty {
			continue
		}
		if !r.State.Decided {
			return core.ValueNil, fmt.Errorf("%w: %s", ErrUndecided, r.Id)
		}
		if decision == core.ValueNil {
			decision = r.State.Estimate
			continue
		}
		if r.State.Estimate != decision {
			return core.ValueNil, fmt.Errorf("%w: %s decided %s, others %s", ErrDisagreement, r.Id, r.State.Estimate, decision)
		}
	}
	return decision, nil
}

// Report is one node's externally visible state.
type Report struct {
	Id     core.NodeId    `json:"id"`
	Status benor.Status   `json:"status"`
	State  benor.Snapshot `json:"state"`

	// HeartbeatPeers counts peers heard from recently; -1 when the
	// transport has no heartbeats.
	HeartbeatPeers int `json:"heartbeatPeers"`
}

type heartbeater interface {
	IsAlive(nodeId core.NodeId, timeout time.Duration) bool
}

// heartbeatWindow is how recent a heartbeat must be to count a peer alive.
const heartbeatWindow = 3 * time.Second

func (c *Cluster) Reports() []Report {
	reports := make([]Report, len(c.nodes))
	for i, node := range c.nodes {
		reports[i] = Report{
			Id:             node.GetNodeId(),
			Status:         node.Status(),
			State:          node.Inspect(),
			HeartbeatPeers: c.heartbeatPeers(i),
		}
	}
	return reports
}

func (c *Cluster) heartbeatPeers(i int) int {
	hb, ok := c.transports[i].(heartbeater)
	if !ok {
		return -1
	}

	alive := 0
	for j := range c.transports {
		if j != i && hb.IsAlive(core.NodeId(j), heartbeatWindow) {
			alive++
		}
	}
	return alive
}

// Close stops every node, then tears the transports down.
func (c *Cluster) Close() error {
	for _, node := range c.nodes {
		node.Stop()
	}

	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
