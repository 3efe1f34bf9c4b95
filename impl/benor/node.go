package benor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/usernamenenad/benor-quic/core"
)

var (
	ErrStopped        = errors.New("node is stopped")
	ErrNotReady       = errors.New("nodes are not ready")
	ErrAlreadyStarted = errors.New("consensus already started")
)

// Status is the static liveness classification of a node.
type Status uint8

const (
	StatusLive Status = iota
	StatusFaulty
)

func (s Status) String() string {
	if s == StatusFaulty {
		return "faulty"
	}
	return "live"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ReadyFunc reports whether every node of the cluster is reachable.
type ReadyFunc func() bool

type Option func(*Node)

func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func WithCoin(coin Coin) Option {
	return func(n *Node) {
		n.coin = coin
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(n *Node) {
		n.metrics = metrics
	}
}

func WithStore(store core.Store) Option {
	return func(n *Node) {
		n.store = store
	}
}

// Node wraps one participant: it routes inbound transport traffic into
// its round log and owns the lifecycle of its engine.
type Node struct {
	id     core.NodeId
	status Status

	config    *Config
	state     *State
	store     core.Store
	network   core.Transport
	validator *Validator
	engine    *Engine
	coin      Coin
	metrics   *Metrics

	mu           sync.Mutex
	started      bool
	engineCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewNode builds a node and begins consuming network.Subscribe().
// A faulty node records what it receives but never runs the protocol.
func NewNode(
	nodeId core.NodeId,
	config *Config,
	initialValue core.Value,
	faulty bool,
	network core.Transport,
	opts ...Option,
) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if nodeId < 0 || int(nodeId) >= config.N {
		return nil, fmt.Errorf("%w: node id %d outside [0, %d)", ErrInvalidConfig, int(nodeId), config.N)
	}
	if !faulty && !initialValue.IsDefinite() {
		return nil, fmt.Errorf("%w: initial value must be 0 or 1, got %s", ErrInvalidValue, initialValue)
	}

	status := StatusLive
	if faulty {
		status = StatusFaulty
		initialValue = core.ValueNil
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		id:        nodeId,
		status:    status,
		config:    config,
		state:     NewState(initialValue),
		network:   network,
		validator: NewValidator(config),
		ctx:       ctx,
		cancel:    cancel,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.store == nil {
		n.store = NewRoundLog()
	}
	if n.metrics == nil {
		n.metrics = NewMetrics("benor", nil)
	}

	n.engine = NewEngine(nodeId, config, n.state, network, n.store, n.coin, n.metrics, n.logger)

	if network != nil {
		ch := network.Subscribe()
		n.wg.Add(1)
		go n.listen(ch)
	}

	return n, nil
}

func (n *Node) GetNodeId() core.NodeId {
	return n.id
}

func (n *Node) Status() Status {
	return n.status
}

// Receive validates msg and records it. Errors are for the local caller
// only; nothing is reported back to the sender.
func (n *Node) Receive(msg core.Message) error {
	if !n.state.isAlive() {
		n.metrics.RecordDropped(n.id, DropStopped)
		n.logger.Debug("dropping message, node is stopped", "nodeId", n.id)
		return ErrStopped
	}

	m, err := n.validator.Validate(msg)
	if err != nil {
		n.metrics.RecordDropped(n.id, DropMalformed)
		n.logger.Warn("dropping message", "nodeId", n.id, "error", err)
		return err
	}

	if n.store.Record(m) {
		n.logger.Debug("received message", "nodeId", n.id, "message", m.String())
	}

	return nil
}

// Start launches the engine once ready reports the cluster reachable.
// A nil ready is treated as always ready.
func (n *Node) Start(ctx context.Context, ready ReadyFunc) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.state.isAlive() {
		return ErrStopped
	}
	if n.started {
		return ErrAlreadyStarted
	}
	if ready != nil && !ready() {
		return ErrNotReady
	}
	n.started = true

	if n.status == StatusFaulty {
		n.logger.Info("faulty node, not participating", "nodeId", n.id)
		return nil
	}
	if n.network == nil {
		return fmt.Errorf("node %d has no transport", int(n.id))
	}

	engineCtx, cancel := context.WithCancel(ctx)
	n.engineCancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.engine.Run(engineCtx)
	}()

	n.logger.Info("consensus started", "nodeId", n.id, "estimate", n.state.Snapshot().Estimate)

	return nil
}

// Stop halts the node. A blocked quorum wait returns immediately and
// the in-flight round is abandoned. Stop is idempotent.
func (n *Node) Stop() {
	n.mu.Lock()
	wasAlive := n.state.kill()
	if n.engineCancel != nil {
		n.engineCancel()
	}
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()

	if wasAlive {
		n.logger.Info("node stopped", "nodeId", n.id)
	}
}

func (n *Node) Inspect() Snapshot {
	return n.state.Snapshot()
}

// Done is closed when the node decides. It never closes for a faulty
// node.
func (n *Node) Done() <-chan struct{} {
	return n.engine.Decided()
}

func (n *Node) listen(ch <-chan core.Message) {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = n.Receive(msg)
		}
	}
}
