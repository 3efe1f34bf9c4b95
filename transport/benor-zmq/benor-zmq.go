package benorzmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/usernamenenad/benor-quic/core"
)

var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrSendFailed      = errors.New("failed to send message")
)

// Codec serializes and deserializes messages for transport over the wire.
type Codec interface {
	Marshal(msg core.Message) ([]byte, error)
	Unmarshal(data []byte) (core.Message, error)
}

// peerSocket is the outgoing DEALER socket to one peer.
type peerSocket struct {
	dealer zmq4.Socket
	mu     sync.Mutex
}

// ZMQTransport implements core.Transport over ZeroMQ. Every node binds a
// ROUTER socket for inbound traffic and dials one DEALER per peer, so a
// message is a single frame on the wire and the ROUTER prepends the
// sender identity.
type ZMQTransport struct {
	nodeId   core.NodeId
	endpoint string
	codec    Codec

	router zmq4.Socket

	peers    map[core.NodeId]string
	outPeers map[core.NodeId]*peerSocket
	outMu    sync.RWMutex

	msgCh   chan core.Message
	readyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewZMQTransport binds a ROUTER socket on listenAddr, e.g.
// "tcp://127.0.0.1:0". Use Endpoint() to discover the bound address.
func NewZMQTransport(
	nodeId core.NodeId,
	listenAddr string,
	codec Codec,
	logger *slog.Logger,
) (*ZMQTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	router := zmq4.NewRouter(ctx, zmq4.WithID(socketIdentity(nodeId)))
	if err := router.Listen(listenAddr); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bind router on %s: %w", listenAddr, err)
	}

	endpoint := listenAddr
	if addr := router.Addr(); addr != nil {
		endpoint = addr.Network() + "://" + addr.String()
	}

	t := &ZMQTransport{
		nodeId:   nodeId,
		endpoint: endpoint,
		codec:    codec,
		router:   router,
		outPeers: make(map[core.NodeId]*peerSocket),
		msgCh:    make(chan core.Message, 1024),
		readyCh:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	t.wg.Add(1)
	go t.receiverLoop()

	t.logger.Info("ZMQ transport listening", "nodeId", nodeId, "endpoint", endpoint)

	return t, nil
}

func socketIdentity(id core.NodeId) zmq4.SocketIdentity {
	return zmq4.SocketIdentity(id.String())
}

// Endpoint returns the bound ZeroMQ endpoint.
func (t *ZMQTransport) Endpoint() string {
	return t.endpoint
}

// Connect starts dialing a DEALER socket to every peer endpoint.
func (t *ZMQTransport) Connect(peers map[core.NodeId]string) {
	t.peers = peers
	if len(peers) == 0 {
		close(t.readyCh)
		return
	}
	t.wg.Add(1)
	go t.connectToPeers()
}

func (t *ZMQTransport) connectToPeers() {
	defer t.wg.Done()

	var connectWg sync.WaitGroup
	for peerId, endpoint := range t.peers {
		connectWg.Add(1)
		go func(id core.NodeId, endpoint string) {
			defer connectWg.Done()
			t.dialWithRetry(id, endpoint)
		}(peerId, endpoint)
	}

	connectWg.Wait()

	select {
	case <-t.ctx.Done():
		return
	default:
	}
	close(t.readyCh)
	t.logger.Info("all ZMQ peers connected", "nodeId", t.nodeId)
}

func (t *ZMQTransport) dialWithRetry(peerId core.NodeId, endpoint string) {
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		dealer := zmq4.NewDealer(t.ctx,
			zmq4.WithID(socketIdentity(t.nodeId)),
			zmq4.WithDialerRetry(50*time.Millisecond),
		)
		if err := dealer.Dial(endpoint); err != nil {
			_ = dealer.Close()
			t.logger.Debug("dial failed, retrying", "nodeId", t.nodeId, "peer", peerId, "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.outMu.Lock()
		t.outPeers[peerId] = &peerSocket{dealer: dealer}
		t.outMu.Unlock()

		t.logger.Debug("connected to ZMQ peer", "nodeId", t.nodeId, "peer", peerId)
		return
	}
}

// receiverLoop continuously receives messages from the ROUTER socket.
func (t *ZMQTransport) receiverLoop() {
	defer t.wg.Done()

	for {
		msg, err := t.router.Recv()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			if isClosedError(err) {
				return
			}
			t.logger.Debug("router receive error", "nodeId", t.nodeId, "error", err)
			continue
		}

		// Frames are [sender identity, payload]; Bytes() would join them.
		if len(msg.Frames) == 0 {
			continue
		}
		payload := msg.Frames[len(msg.Frames)-1]

		decoded, err := t.codec.Unmarshal(payload)
		if err != nil {
			t.logger.Warn("dropping undecodable frame", "nodeId", t.nodeId, "error", err)
			continue
		}

		select {
		case t.msgCh <- decoded:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *ZMQTransport) sendTo(ps *peerSocket, data []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := ps.dealer.Send(zmq4.NewMsg(data)); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// Broadcast sends msg to every peer and delivers a copy to self.
func (t *ZMQTransport) Broadcast(ctx context.Context, msg core.Message) error {
	select {
	case <-t.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrTransportClosed
	}

	data, err := t.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	t.outMu.RLock()
	peers := make([]*peerSocket, 0, len(t.outPeers))
	peerIds := make([]core.NodeId, 0, len(t.outPeers))
	for id, ps := range t.outPeers {
		peers = append(peers, ps)
		peerIds = append(peerIds, id)
	}
	t.outMu.RUnlock()

	var errs []error
	for i, ps := range peers {
		if err := t.sendTo(ps, data); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", peerIds[i], err))
		}
	}

	// Deliver to self
	select {
	case t.msgCh <- msg:
	default:
		t.logger.Debug("inbox full, dropping self copy", "nodeId", t.nodeId)
	}

	return errors.Join(errs...)
}

// Send sends msg to a single peer.
func (t *ZMQTransport) Send(ctx context.Context, nodeId core.NodeId, msg core.Message) error {
	select {
	case <-t.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrTransportClosed
	}

	t.outMu.RLock()
	ps, ok := t.outPeers[nodeId]
	t.outMu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, nodeId)
	}

	data, err := t.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return t.sendTo(ps, data)
}

// Subscribe returns the channel that delivers incoming messages.
func (t *ZMQTransport) Subscribe() <-chan core.Message {
	return t.msgCh
}

// Ready reports whether a DEALER socket exists for every peer.
func (t *ZMQTransport) Ready() bool {
	select {
	case <-t.ctx.Done():
		return false
	default:
	}

	select {
	case <-t.readyCh:
		return true
	default:
		return false
	}
}

// WaitForReady blocks until every peer is dialed or ctx is done.
func (t *ZMQTransport) WaitForReady(ctx context.Context) error {
	select {
	case <-t.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrTransportClosed
	}
}

// Close shuts the sockets down. Errors during shutdown are expected and
// only the router's is returned.
func (t *ZMQTransport) Close() error {
	t.cancel()

	err := t.router.Close()

	t.outMu.Lock()
	for _, ps := range t.outPeers {
		_ = ps.dealer.Close()
	}
	t.outMu.Unlock()

	t.wg.Wait()

	if isClosedError(err) {
		return nil
	}
	return err
}

func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}
