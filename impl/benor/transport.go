package benor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/usernamenenad/benor-quic/core"
)

var ErrNetworkClosed = errors.New("network closed")

// DelayFunc returns how long a message from one node takes to reach another.
type DelayFunc func(from, to core.NodeId) time.Duration

type LocalOption func(*LocalNetwork)

func WithDelay(delay DelayFunc) LocalOption {
	return func(ln *LocalNetwork) {
		ln.delay = delay
	}
}

func WithInboxSize(size int) LocalOption {
	return func(ln *LocalNetwork) {
		if size > 0 {
			ln.inboxSize = size
		}
	}
}

// LocalNetwork connects in-process nodes through buffered channels.
// Delivery is best-effort: a full inbox or a disconnected peer is
// reported to the sender as an error and the message is lost.
type LocalNetwork struct {
	mu          sync.RWMutex
	size        int
	inboxSize   int
	inboxes     map[core.NodeId]chan core.Message
	unreachable map[core.NodeId]bool
	delay       DelayFunc
	closed      bool
}

func NewLocalNetwork(size int, opts ...LocalOption) *LocalNetwork {
	ln := &LocalNetwork{
		size:        size,
		inboxSize:   1024,
		inboxes:     make(map[core.NodeId]chan core.Message),
		unreachable: make(map[core.NodeId]bool),
	}
	for _, opt := range opts {
		opt(ln)
	}
	return ln
}

// Join attaches id to the network and returns its transport. Joining
// twice returns a transport sharing the same inbox.
func (ln *LocalNetwork) Join(id core.NodeId) *LocalTransport {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	inbox, ok := ln.inboxes[id]
	if !ok {
		inbox = make(chan core.Message, ln.inboxSize)
		ln.inboxes[id] = inbox
	}

	return &LocalTransport{id: id, network: ln, inbox: inbox}
}

// Ready reports whether every expected node has joined.
func (ln *LocalNetwork) Ready() bool {
	ln.mu.RLock()
	defer ln.mu.RUnlock()

	return !ln.closed && len(ln.inboxes) >= ln.size
}

// Disconnect makes id unreachable: messages addressed to it fail.
func (ln *LocalNetwork) Disconnect(id core.NodeId) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	ln.unreachable[id] = true
}

func (ln *LocalNetwork) Close() error {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	ln.closed = true
	return nil
}

func (ln *LocalNetwork) members() []core.NodeId {
	ln.mu.RLock()
	defer ln.mu.RUnlock()

	ids := make([]core.NodeId, 0, len(ln.inboxes))
	for id := range ln.inboxes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (ln *LocalNetwork) deliver(from, to core.NodeId, msg core.Message) error {
	ln.mu.RLock()
	closed := ln.closed
	inbox, ok := ln.inboxes[to]
	down := ln.unreachable[to]
	delay := ln.delay
	ln.mu.RUnlock()

	switch {
	case closed:
		return ErrNetworkClosed
	case !ok:
		return fmt.Errorf("no route to %s", to)
	case down:
		return fmt.Errorf("%s unreachable", to)
	}

	if delay != nil {
		if d := delay(from, to); d > 0 {
			time.AfterFunc(d, func() {
				select {
				case inbox <- msg:
				default:
				}
			})
			return nil
		}
	}

	select {
	case inbox <- msg:
		return nil
	default:
		return fmt.Errorf("inbox of %s full", to)
	}
}

// LocalTransport implements core.Transport on a LocalNetwork.
type LocalTransport struct {
	id      core.NodeId
	network *LocalNetwork
	inbox   chan core.Message
}

var _ core.Transport = (*LocalTransport)(nil)

// Broadcast delivers msg to every member, self included.
func (t *LocalTransport) Broadcast(ctx context.Context, msg core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	for _, id := range t.network.members() {
		if err := t.network.deliver(t.id, id, msg); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (t *LocalTransport) Send(ctx context.Context, nodeId core.NodeId, msg core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.network.deliver(t.id, nodeId, msg)
}

func (t *LocalTransport) Subscribe() <-chan core.Message {
	return t.inbox
}

// Ready reports whether the whole network is assembled.
func (t *LocalTransport) Ready() bool {
	return t.network.Ready()
}
