package benortcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/usernamenenad/benor-quic/core"
)

// MaxFrameSize bounds a single encoded message. Protocol messages are a
// few dozen bytes; anything larger is a corrupt or hostile stream.
const MaxFrameSize = 64 << 10

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Codec serializes and deserializes messages for transport over the wire.
type Codec interface {
	Marshal(msg core.Message) ([]byte, error)
	Unmarshal(data []byte) (core.Message, error)
}

// peerConn wraps a connection with a mutex for thread-safe writing.
type peerConn struct {
	conn net.Conn
	mu   sync.Mutex
}

// TCPTransport implements core.Transport using TCP connections in a full-mesh topology.
// Each node listens for incoming connections and maintains outgoing connections to all peers.
// Messages are framed with a 4-byte big-endian length prefix followed by codec-encoded payload.
type TCPTransport struct {
	nodeId core.NodeId
	addr   string
	codec  Codec

	listener net.Listener

	peers    map[core.NodeId]string
	outPeers map[core.NodeId]*peerConn
	outMu    sync.RWMutex

	inConns []net.Conn
	inMu    sync.Mutex

	msgCh   chan core.Message
	readyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewTCPTransport creates a new TCP transport and starts listening on the given address.
// Use ":0" to let the OS assign a random port, then call Addr() to discover it.
// Call Connect() to establish outgoing connections to peers.
func NewTCPTransport(
	nodeId core.NodeId,
	listenAddr string,
	codec Codec,
	logger *slog.Logger,
) (*TCPTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	t := &TCPTransport{
		nodeId:   nodeId,
		addr:     listener.Addr().String(),
		codec:    codec,
		listener: listener,
		outPeers: make(map[core.NodeId]*peerConn),
		msgCh:    make(chan core.Message, 1024),
		readyCh:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	t.wg.Add(1)
	go t.acceptLoop()

	t.logger.Info("TCP transport listening", "nodeId", nodeId, "addr", t.addr)

	return t, nil
}

// Addr returns the actual listen address (useful when listening on ":0").
func (t *TCPTransport) Addr() string {
	return t.addr
}

// Connect starts establishing outgoing TCP connections to all peers.
// Ready() reports true once every connection is up.
func (t *TCPTransport) Connect(peers map[core.NodeId]string) {
	t.peers = peers
	if len(peers) == 0 {
		close(t.readyCh)
		return
	}
	t.wg.Add(1)
	go t.connectToPeers()
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.logger.Error("accept error", "error", err)
				continue
			}
		}

		t.inMu.Lock()
		t.inConns = append(t.inConns, conn)
		t.inMu.Unlock()

		t.wg.Add(1)
		go t.handleIncoming(conn)
	}
}

func (t *TCPTransport) handleIncoming(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	for {
		msg, err := readMessage(conn, t.codec)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) || errors.Is(err, ErrFrameTooLarge) {
				t.logger.Error("read error, dropping connection", "nodeId", t.nodeId, "error", err)
				return
			}

			// a frame that decodes badly leaves the stream aligned
			t.logger.Warn("dropping undecodable frame", "nodeId", t.nodeId, "error", err)
			continue
		}

		select {
		case t.msgCh <- msg:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *TCPTransport) connectToPeers() {
	defer t.wg.Done()

	var connectWg sync.WaitGroup
	for peerId, peerAddr := range t.peers {
		connectWg.Add(1)
		go func(id core.NodeId, addr string) {
			defer connectWg.Done()
			t.connectWithRetry(id, addr)
		}(peerId, peerAddr)
	}

	connectWg.Wait()

	select {
	case <-t.ctx.Done():
		return
	default:
	}
	close(t.readyCh)
	t.logger.Info("all peers connected", "nodeId", t.nodeId)
}

func (t *TCPTransport) connectWithRetry(peerId core.NodeId, peerAddr string) {
	dialer := net.Dialer{Timeout: time.Second}

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		conn, err := dialer.DialContext(t.ctx, "tcp", peerAddr)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.outMu.Lock()
		t.outPeers[peerId] = &peerConn{conn: conn}
		t.outMu.Unlock()

		t.logger.Debug("connected to peer", "nodeId", t.nodeId, "peer", peerId)
		return
	}
}

func (t *TCPTransport) writeTo(pc *peerConn, data []byte) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return writeFrame(pc.conn, data)
}

// Broadcast sends a message to all connected peers and delivers a copy to self.
// Per-peer failures are joined; a failed peer does not stop the others.
func (t *TCPTransport) Broadcast(ctx context.Context, msg core.Message) error {
	// Wait for peer connections to be established
	select {
	case <-t.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	data, err := t.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	t.outMu.RLock()
	peers := make([]*peerConn, 0, len(t.outPeers))
	peerIds := make([]core.NodeId, 0, len(t.outPeers))
	for id, pc := range t.outPeers {
		peers = append(peers, pc)
		peerIds = append(peerIds, id)
	}
	t.outMu.RUnlock()

	var errs []error
	for i, pc := range peers {
		if err := t.writeTo(pc, data); err != nil {
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

// Send sends a message to a specific peer.
func (t *TCPTransport) Send(ctx context.Context, nodeId core.NodeId, msg core.Message) error {
	select {
	case <-t.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.outMu.RLock()
	pc, ok := t.outPeers[nodeId]
	t.outMu.RUnlock()

	if !ok {
		return fmt.Errorf("no connection to %s", nodeId)
	}

	data, err := t.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return t.writeTo(pc, data)
}

// Subscribe returns the channel that delivers incoming messages.
func (t *TCPTransport) Subscribe() <-chan core.Message {
	return t.msgCh
}

// Ready reports whether every outgoing peer connection is established.
func (t *TCPTransport) Ready() bool {
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

// WaitForReady blocks until all outgoing peer connections are established
// or ctx is done.
func (t *TCPTransport) WaitForReady(ctx context.Context) error {
	select {
	case <-t.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return net.ErrClosed
	}
}

// Close shuts down the transport, closing all connections and the listener.
func (t *TCPTransport) Close() error {
	t.cancel()

	if t.listener != nil {
		t.listener.Close()
	}

	t.inMu.Lock()
	for _, conn := range t.inConns {
		conn.Close()
	}
	t.inMu.Unlock()

	t.outMu.Lock()
	for _, pc := range t.outPeers {
		pc.conn.Close()
	}
	t.outMu.Unlock()

	t.wg.Wait()
	return nil
}

// writeFrame writes a 4-byte big-endian length prefix followed by data.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}

	return nil
}

// readMessage reads a length-prefixed, codec-encoded message from r.
func readMessage(r io.Reader, codec Codec) (core.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return codec.Unmarshal(data)
}
