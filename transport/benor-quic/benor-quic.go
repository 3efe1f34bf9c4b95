package benorquic

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/usernamenenad/benor-quic/core"
	"github.com/usernamenenad/benor-quic/impl/benor"
)

// Stream type identifiers. Each peer connection carries one stream per
// protocol phase, so a lost packet holding up R traffic does not stall
// P traffic of an earlier round and the other way round.
const (
	StreamTypeR byte = 0x00
	StreamTypeP byte = 0x01
)

const (
	alpn                = "benor-quic"
	heartbeatMagic byte = 0xB0
	heartbeatSize       = 1 + 4 + 8

	// MaxFrameSize bounds a single encoded message.
	MaxFrameSize = 64 << 10
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Codec serializes and deserializes messages for transport over the wire.
type Codec interface {
	Marshal(msg core.Message) ([]byte, error)
	Unmarshal(data []byte) (core.Message, error)
}

// MessageClassifier determines which QUIC stream a message should use.
type MessageClassifier interface {
	StreamType(msg core.Message) byte
}

// PhaseClassifier routes each protocol message to the stream of its phase.
type PhaseClassifier struct{}

func (c *PhaseClassifier) StreamType(msg core.Message) byte {
	if m, ok := msg.(*benor.Message); ok && m.Phase == core.PhaseP {
		return StreamTypeP
	}
	return StreamTypeR
}

// HeartbeatMessage represents a liveness probe received via QUIC datagrams.
type HeartbeatMessage struct {
	From      core.NodeId
	Timestamp time.Time
}

// peerStreams holds the QUIC connection and dedicated streams to a single peer.
type peerStreams struct {
	conn *quic.Conn
	r    *quic.Stream
	p    *quic.Stream
	rMu  sync.Mutex
	pMu  sync.Mutex
}

// QUICTransport implements core.Transport using QUIC with one stream per
// phase and datagram heartbeats.
//
// Architecture:
//   - R stream (per peer): round proposals
//   - P stream (per peer): phase-two reports
//   - Heartbeat plane (QUIC datagrams, RFC 9221): unreliable liveness probes
type QUICTransport struct {
	nodeId     core.NodeId
	codec      Codec
	classifier MessageClassifier

	quicTr   *quic.Transport
	udpConn  *net.UDPConn
	listener *quic.Listener

	peers    map[core.NodeId]string
	outPeers map[core.NodeId]*peerStreams
	outMu    sync.RWMutex

	inConns []*quic.Conn
	inMu    sync.Mutex

	msgCh   chan core.Message
	readyCh chan struct{}

	heartbeatCh   chan HeartbeatMessage
	lastHeartbeat map[core.NodeId]time.Time
	heartbeatMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewQUICTransport creates a QUIC transport and starts listening for connections.
// Use ":0" for listenAddr to let the OS assign a random port.
// If classifier is nil, PhaseClassifier is used.
func NewQUICTransport(
	nodeId core.NodeId,
	listenAddr string,
	codec Codec,
	classifier MessageClassifier,
	logger *slog.Logger,
) (*QUICTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = &PhaseClassifier{}
	}

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	qtr := &quic.Transport{Conn: udpConn}

	listener, err := qtr.Listen(serverTLS, quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &QUICTransport{
		nodeId:        nodeId,
		codec:         codec,
		classifier:    classifier,
		quicTr:        qtr,
		udpConn:       udpConn,
		listener:      listener,
		outPeers:      make(map[core.NodeId]*peerStreams),
		msgCh:         make(chan core.Message, 1024),
		readyCh:       make(chan struct{}),
		heartbeatCh:   make(chan HeartbeatMessage, 64),
		lastHeartbeat: make(map[core.NodeId]time.Time),
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
	}

	t.wg.Add(1)
	go t.acceptLoop()

	t.logger.Info("QUIC transport listening", "nodeId", nodeId, "addr", udpConn.LocalAddr().String())

	return t, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:    true,
		MaxIncomingStreams: 10,
		MaxIdleTimeout:     30 * time.Second,
		KeepAlivePeriod:    10 * time.Second,
	}
}

// Addr returns the local UDP address the transport is listening on.
func (t *QUICTransport) Addr() string {
	return t.udpConn.LocalAddr().String()
}

// Connect starts establishing outgoing QUIC connections to all peers.
// Each connection opens one bidirectional stream per phase.
func (t *QUICTransport) Connect(peers map[core.NodeId]string) {
	t.peers = peers
	if len(peers) == 0 {
		close(t.readyCh)
		return
	}
	t.wg.Add(1)
	go t.connectToPeers()
}

func (t *QUICTransport) connectToPeers() {
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
	t.logger.Info("all QUIC peers connected", "nodeId", t.nodeId)
}

func openTypedStream(ctx context.Context, conn *quic.Conn, streamType byte) (*quic.Stream, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream %d: %w", streamType, err)
	}
	if _, err := stream.Write([]byte{streamType}); err != nil {
		return nil, fmt.Errorf("write stream header %d: %w", streamType, err)
	}
	return stream, nil
}

func (t *QUICTransport) connectWithRetry(peerId core.NodeId, peerAddr string) {
	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		conn, err := t.quicTr.Dial(t.ctx, udpAddr, clientTLS, quicConfig())
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		rStream, err := openTypedStream(t.ctx, conn, StreamTypeR)
		if err != nil {
			conn.CloseWithError(0, err.Error())
			time.Sleep(50 * time.Millisecond)
			continue
		}
		pStream, err := openTypedStream(t.ctx, conn, StreamTypeP)
		if err != nil {
			conn.CloseWithError(0, err.Error())
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.outMu.Lock()
		t.outPeers[peerId] = &peerStreams{conn: conn, r: rStream, p: pStream}
		t.outMu.Unlock()

		t.logger.Debug("connected to QUIC peer", "nodeId", t.nodeId, "peer", peerId)
		return
	}
}

func (t *QUICTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.logger.Error("QUIC accept error", "nodeId", t.nodeId, "error", err)
				return
			}
		}

		t.inMu.Lock()
		t.inConns = append(t.inConns, conn)
		t.inMu.Unlock()

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *QUICTransport) handleConnection(conn *quic.Conn) {
	defer t.wg.Done()

	// Receive heartbeat datagrams from this connection
	t.wg.Add(1)
	go t.handleDatagrams(conn)

	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}

		t.wg.Add(1)
		go t.handleStream(stream)
	}
}

func (t *QUICTransport) handleStream(stream *quic.Stream) {
	defer t.wg.Done()
	defer stream.Close()

	// First byte identifies the phase the stream carries
	var typeBuf [1]byte
	if _, err := io.ReadFull(stream, typeBuf[:]); err != nil {
		if !isClosingError(err) {
			t.logger.Error("read stream type", "nodeId", t.nodeId, "error", err)
		}
		return
	}

	streamType := typeBuf[0]
	t.logger.Debug("accepted QUIC stream", "nodeId", t.nodeId, "type", streamType)

	for {
		msg, err := readMessage(stream, t.codec)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			// Suppress expected errors during transport shutdown
			if isClosingError(err) {
				return
			}
			if errors.Is(err, benor.ErrMalformedMessage) {
				t.logger.Warn("dropping undecodable frame", "nodeId", t.nodeId, "error", err)
				continue
			}
			t.logger.Error("read message error", "nodeId", t.nodeId, "error", err, "streamType", streamType)
			return
		}

		select {
		case t.msgCh <- msg:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *QUICTransport) handleDatagrams(conn *quic.Conn) {
	defer t.wg.Done()

	ds := conn.ConnectionState().SupportsDatagrams
	if !ds.Remote || !ds.Local {
		return
	}

	for {
		data, err := conn.ReceiveDatagram(t.ctx)
		if err != nil {
			return
		}

		hb, err := decodeHeartbeat(data)
		if err != nil {
			continue
		}

		t.heartbeatMu.Lock()
		t.lastHeartbeat[hb.From] = hb.Timestamp
		t.heartbeatMu.Unlock()

		select {
		case t.heartbeatCh <- hb:
		default: // drop if channel full
		}
	}
}

// Broadcast sends msg to all connected peers and delivers a copy to self.
// Per-peer failures are joined; a failed peer does not stop the others.
func (t *QUICTransport) Broadcast(ctx context.Context, msg core.Message) error {
	select {
	case <-t.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	data, err := t.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	streamType := t.classifier.StreamType(msg)

	t.outMu.RLock()
	peers := make([]*peerStreams, 0, len(t.outPeers))
	peerIds := make([]core.NodeId, 0, len(t.outPeers))
	for id, ps := range t.outPeers {
		peers = append(peers, ps)
		peerIds = append(peerIds, id)
	}
	t.outMu.RUnlock()

	var errs []error
	for i, ps := range peers {
		if err := t.writeToStream(ps, streamType, data); err != nil {
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

// Send sends msg to a specific peer on the stream of its phase.
func (t *QUICTransport) Send(ctx context.Context, nodeId core.NodeId, msg core.Message) error {
	select {
	case <-t.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.outMu.RLock()
	ps, ok := t.outPeers[nodeId]
	t.outMu.RUnlock()

	if !ok {
		return fmt.Errorf("no QUIC connection to %s", nodeId)
	}

	data, err := t.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return t.writeToStream(ps, t.classifier.StreamType(msg), data)
}

// Subscribe returns the channel delivering incoming messages from all streams.
func (t *QUICTransport) Subscribe() <-chan core.Message {
	return t.msgCh
}

// Ready reports whether every outgoing peer connection and its streams exist.
func (t *QUICTransport) Ready() bool {
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

// WaitForReady blocks until all outgoing peer connections and streams are
// established or ctx is done.
func (t *QUICTransport) WaitForReady(ctx context.Context) error {
	select {
	case <-t.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return net.ErrClosed
	}
}

// StartHeartbeat begins sending periodic heartbeat datagrams to all peers.
func (t *QUICTransport) StartHeartbeat(interval time.Duration) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				t.sendHeartbeat()
			}
		}
	}()
}

// HeartbeatCh returns the channel that delivers heartbeat messages from peers.
func (t *QUICTransport) HeartbeatCh() <-chan HeartbeatMessage {
	return t.heartbeatCh
}

// IsAlive checks if a peer has sent a heartbeat within the given timeout.
// It is diagnostic only: the protocol never acts on it.
func (t *QUICTransport) IsAlive(nodeId core.NodeId, timeout time.Duration) bool {
	t.heartbeatMu.RLock()
	last, ok := t.lastHeartbeat[nodeId]
	t.heartbeatMu.RUnlock()

	if !ok {
		return false
	}
	return time.Since(last) < timeout
}

// Close shuts down the QUIC transport, closing all connections and the listener.
func (t *QUICTransport) Close() error {
	t.cancel()

	if t.listener != nil {
		t.listener.Close()
	}

	t.inMu.Lock()
	for _, conn := range t.inConns {
		conn.CloseWithError(0, "transport closing")
	}
	t.inMu.Unlock()

	t.outMu.Lock()
	for _, ps := range t.outPeers {
		ps.conn.CloseWithError(0, "transport closing")
	}
	t.outMu.Unlock()

	t.wg.Wait()

	if t.quicTr != nil {
		return t.quicTr.Close()
	}
	return nil
}

func (t *QUICTransport) writeToStream(ps *peerStreams, streamType byte, data []byte) error {
	stream, mu := ps.r, &ps.rMu
	if streamType == StreamTypeP {
		stream, mu = ps.p, &ps.pMu
	}

	mu.Lock()
	defer mu.Unlock()

	return writeFrame(stream, data)
}

func (t *QUICTransport) sendHeartbeat() {
	t.outMu.RLock()
	defer t.outMu.RUnlock()

	data := encodeHeartbeat(t.nodeId, time.Now())
	for _, ps := range t.outPeers {
		ds := ps.conn.ConnectionState().SupportsDatagrams
		if ds.Remote && ds.Local {
			_ = ps.conn.SendDatagram(data)
		}
	}
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

// readMessage reads a length-prefixed, codec-encoded message.
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

// Heartbeat datagram format: magic(1) + nodeId(4) + timestamp(8)
func encodeHeartbeat(nodeId core.NodeId, now time.Time) []byte {
	buf := make([]byte, heartbeatSize)
	buf[0] = heartbeatMagic
	binary.BigEndian.PutUint32(buf[1:5], uint32(nodeId))
	binary.BigEndian.PutUint64(buf[5:], uint64(now.UnixNano()))
	return buf
}

func decodeHeartbeat(data []byte) (HeartbeatMessage, error) {
	if len(data) != heartbeatSize || data[0] != heartbeatMagic {
		return HeartbeatMessage{}, errors.New("invalid heartbeat")
	}
	return HeartbeatMessage{
		From:      core.NodeId(binary.BigEndian.Uint32(data[1:5])),
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(data[5:]))),
	}, nil
}

func isClosingError(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr)
}
