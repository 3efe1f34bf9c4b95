// Package bench provides reproducible benchmarks comparing the transports
// available to Ben-Or consensus: in-memory, TCP, QUIC and ZeroMQ.
//
// Benchmarks:
//  1. Consensus latency       – time for all live nodes to decide (4-node, 7-node)
//  2. Tied-input consensus    – same, with inputs that force coin flips
//  3. Silent-node consensus   – one node never sends; the rest must still decide
//  4. Connection setup time   – time to establish full-mesh connectivity
//  5. Message throughput      – sustained broadcast messages/sec
//  6. Single-message latency  – point-to-point Send→Subscribe
//  7. Phase-stream isolation  – R latency while P traffic floods the link
package bench

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/usernamenenad/benor-quic/cluster"
	"github.com/usernamenenad/benor-quic/core"
	"github.com/usernamenenad/benor-quic/impl/benor"
	benorquic "github.com/usernamenenad/benor-quic/transport/benor-quic"
	benortcp "github.com/usernamenenad/benor-quic/transport/benor-tcp"
	benorzmq "github.com/usernamenenad/benor-quic/transport/benor-zmq"
)

// ─── helpers ────────────────────────────────────────────────────────────────

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// transportFactory abstracts creation of a full-mesh transport network.
type transportFactory struct {
	name string
	// setup returns N connected transports + cleanup.
	setup func(tb testing.TB, n int) ([]core.Transport, func())
}

type meshTransport interface {
	core.Transport
	Connect(peers map[core.NodeId]string)
	WaitForReady(ctx context.Context) error
	Close() error
}

// connectMesh wires every transport to all others and waits for readiness.
func connectMesh(tb testing.TB, trs []meshTransport, addrs []string) ([]core.Transport, func()) {
	tb.Helper()

	for i, tr := range trs {
		peers := make(map[core.NodeId]string)
		for j, addr := range addrs {
			if j != i {
				peers[core.NodeId(j)] = addr
			}
		}
		tr.Connect(peers)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i, tr := range trs {
		if err := tr.WaitForReady(ctx); err != nil {
			tb.Fatalf("transport %d not ready: %v", i, err)
		}
	}

	out := make([]core.Transport, len(trs))
	for i := range trs {
		out[i] = trs[i]
	}
	return out, func() {
		for _, tr := range trs {
			tr.Close()
		}
	}
}

func tcpFactory() transportFactory {
	return transportFactory{
		name: "TCP",
		setup: func(tb testing.TB, n int) ([]core.Transport, func()) {
			tb.Helper()
			codec := benor.NewCodec()
			trs := make([]meshTransport, n)
			addrs := make([]string, n)
			for i := range trs {
				tr, err := benortcp.NewTCPTransport(core.NodeId(i), "127.0.0.1:0", codec, silentLogger)
				if err != nil {
					tb.Fatalf("tcp create %d: %v", i, err)
				}
				trs[i], addrs[i] = tr, tr.Addr()
			}
			return connectMesh(tb, trs, addrs)
		},
	}
}

func quicFactory() transportFactory {
	return transportFactory{
		name: "QUIC",
		setup: func(tb testing.TB, n int) ([]core.Transport, func()) {
			tb.Helper()
			codec := benor.NewCodec()
			trs := make([]meshTransport, n)
			addrs := make([]string, n)
			for i := range trs {
				tr, err := benorquic.NewQUICTransport(core.NodeId(i), "127.0.0.1:0", codec, nil, silentLogger)
				if err != nil {
					tb.Fatalf("quic create %d: %v", i, err)
				}
				trs[i], addrs[i] = tr, tr.Addr()
			}
			return connectMesh(tb, trs, addrs)
		},
	}
}

func zmqFactory() transportFactory {
	return transportFactory{
		name: "ZMQ",
		setup: func(tb testing.TB, n int) ([]core.Transport, func()) {
			tb.Helper()
			codec := benor.NewCodec()
			trs := make([]meshTransport, n)
			addrs := make([]string, n)
			for i := range trs {
				tr, err := benorzmq.NewZMQTransport(core.NodeId(i), "tcp://127.0.0.1:0", codec, silentLogger)
				if err != nil {
					tb.Fatalf("zmq create %d: %v", i, err)
				}
				trs[i], addrs[i] = tr, tr.Endpoint()
			}
			return connectMesh(tb, trs, addrs)
		},
	}
}

func networkFactories() []transportFactory {
	return []transportFactory{tcpFactory(), quicFactory(), zmqFactory()}
}

// inputs builds n initial values: "same" is all ones, "split" alternates.
func inputs(pattern string, n int) []core.Value {
	values := make([]core.Value, n)
	for i := range values {
		values[i] = core.ValueOne
		if pattern == "split" && i%2 == 0 {
			values[i] = core.ValueZero
		}
	}
	return values
}

// runCluster builds a cluster, runs it to decision and returns the time
// from Start to the last decision. Setup is excluded.
func runCluster(tb testing.TB, opts cluster.Options) time.Duration {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	opts.Logger = silentLogger
	c, err := cluster.New(ctx, opts)
	if err != nil {
		tb.Fatalf("cluster: %v", err)
	}
	defer c.Close()

	start := time.Now()
	if err := c.Start(ctx); err != nil {
		tb.Fatalf("start: %v", err)
	}
	if err := c.Wait(ctx); err != nil {
		tb.Fatalf("wait: %v", err)
	}
	elapsed := time.Since(start)

	if _, err := c.Decision(); err != nil {
		tb.Fatalf("decision: %v", err)
	}
	return elapsed
}

func maxRound(reports []cluster.Report) core.Round {
	var max core.Round
	for _, r := range reports {
		if r.State.Round > max {
			max = r.State.Round
		}
	}
	return max
}

// ─── 1-3. Consensus Latency ────────────────────────────────────────────────
// Each iteration builds a fresh cluster; only Start→decision is timed.

func benchConsensus(b *testing.B, kind cluster.Kind, n int, pattern string, faulty map[core.NodeId]bool) {
	var total time.Duration
	for i := 0; i < b.N; i++ {
		total += runCluster(b, cluster.Options{
			Kind:   kind,
			Config: benor.NewConfig(n, (n-1)/2),
			Values: inputs(pattern, n),
			Faulty: faulty,
			Seed:   uint64(i + 1),
		})
	}
	b.ReportMetric(float64(total.Nanoseconds())/float64(b.N), "ns/decision")
}

func BenchmarkConsensus(b *testing.B) {
	for _, kind := range cluster.Kinds() {
		for _, n := range []int{4, 7} {
			b.Run(fmt.Sprintf("%s/%dNodes", kind, n), func(b *testing.B) {
				benchConsensus(b, kind, n, "same", nil)
			})
		}
	}
}

func BenchmarkConsensusTied(b *testing.B) {
	for _, kind := range cluster.Kinds() {
		b.Run(fmt.Sprintf("%s/4Nodes", kind), func(b *testing.B) {
			benchConsensus(b, kind, 4, "split", nil)
		})
	}
}

func BenchmarkConsensusSilentNode(b *testing.B) {
	for _, kind := range cluster.Kinds() {
		b.Run(fmt.Sprintf("%s/4Nodes", kind), func(b *testing.B) {
			benchConsensus(b, kind, 4, "same", map[core.NodeId]bool{0: true})
		})
	}
}

// ─── 4. Connection Setup Time ──────────────────────────────────────────────
// Time to create transports + establish full mesh + WaitForReady.

func BenchmarkConnSetup(b *testing.B) {
	for _, factory := range networkFactories() {
		for _, n := range []int{4, 7} {
			b.Run(fmt.Sprintf("%s/%d", factory.name, n), func(b *testing.B) {
				for i := 0; i < b.N; i++ {
					_, cleanup := factory.setup(b, n)
					b.StopTimer()
					cleanup()
					b.StartTimer()
				}
			})
		}
	}
}

// drain consumes every inbox so broadcasts never stall on a full channel.
func drain(transports []core.Transport) {
	for _, tr := range transports {
		go func(c <-chan core.Message) {
			for range c {
			}
		}(tr.Subscribe())
	}
}

// ─── 5. Message Throughput ─────────────────────────────────────────────────
// Sustained Broadcast of R messages; measures ops/sec.

func BenchmarkThroughput(b *testing.B) {
	for _, factory := range networkFactories() {
		b.Run(factory.name, func(b *testing.B) {
			transports, cleanup := factory.setup(b, 4)
			defer cleanup()
			drain(transports)

			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				msg := &benor.Message{Phase: core.PhaseR, Round: core.Round(i + 1), Value: core.ValueOne, From: 0}
				transports[0].Broadcast(ctx, msg)
			}
		})
	}
}

// ─── 6. Single-Message Latency ─────────────────────────────────────────────
// Point-to-point: Send from node0→node1, measure until received.

func BenchmarkMsgLatency(b *testing.B) {
	for _, factory := range networkFactories() {
		b.Run(factory.name, func(b *testing.B) {
			transports, cleanup := factory.setup(b, 2)
			defer cleanup()

			ch := transports[1].Subscribe()
			msg := &benor.Message{Phase: core.PhaseP, Round: 1, Value: core.ValueUnknown, From: 0}

			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				transports[0].Send(ctx, 1, msg)
				<-ch
			}
		})
	}
}

// ─── 7. Phase-Stream Isolation ─────────────────────────────────────────────
// Floods P messages while timing one R message. QUIC carries each phase on
// its own stream; TCP and ZMQ share one ordered link per peer.

func BenchmarkPhaseIsolation(b *testing.B) {
	const flood = 500

	for _, factory := range networkFactories() {
		b.Run(factory.name, func(b *testing.B) {
			transports, cleanup := factory.setup(b, 2)
			defer cleanup()
			drain(transports[:1])

			ch := transports[1].Subscribe()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				round := core.Round(i + 1)

				var wg sync.WaitGroup
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < flood; j++ {
						transports[0].Send(ctx, 1, &benor.Message{Phase: core.PhaseP, Round: round, Value: core.ValueZero, From: 0})
					}
				}()

				time.Sleep(100 * time.Microsecond)
				start := time.Now()
				transports[0].Send(ctx, 1, &benor.Message{Phase: core.PhaseR, Round: round, Value: core.ValueOne, From: 0})

				var elapsed time.Duration
				received, gotR := 0, false
				for received < flood || !gotR {
					select {
					case m := <-ch:
						if msg, ok := m.(*benor.Message); ok && msg.Phase == core.PhaseR && msg.Round == round {
							elapsed = time.Since(start)
							gotR = true
						} else {
							received++
						}
					case <-time.After(10 * time.Second):
						b.Fatalf("iteration %d: timed out (p=%d, r=%v)", i, received, gotR)
					}
				}
				b.ReportMetric(float64(elapsed.Nanoseconds()), "ns/r-msg")
				wg.Wait()
			}
		})
	}
}

// TestClusterRounds is a smoke check that every kind decides with the
// benchmark inputs, so a broken transport fails fast in plain `go test`.
func TestClusterRounds(t *testing.T) {
	for _, kind := range cluster.Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			c, err := cluster.New(ctx, cluster.Options{
				Kind:   kind,
				Config: benor.NewConfig(4, 1),
				Values: inputs("split", 4),
				Seed:   3,
				Logger: silentLogger,
			})
			if err != nil {
				t.Fatalf("cluster: %v", err)
			}
			defer c.Close()

			if err := c.Start(ctx); err != nil {
				t.Fatalf("start: %v", err)
			}
			if err := c.Wait(ctx); err != nil {
				t.Fatalf("wait: %v", err)
			}
			if r := maxRound(c.Reports()); r < 2 {
				t.Fatalf("tied input decided in round %d", r)
			}
		})
	}
}
