//go:build netem

// Network simulation benchmarks using tc netem.
//
// These benchmarks apply network conditions (latency, packet loss, jitter,
// bandwidth limits) to the loopback interface and measure Ben-Or consensus
// over each networked transport.
//
// Prerequisites:
//   - Linux with tc (iproute2) and sch_netem kernel module
//   - sudo access for tc commands (passwordless recommended)
//
// Run:
//   go test -run=^$ -bench='BenchmarkNetem' -benchtime=5x -count=5 -timeout=600s -tags netem ./bench/

package bench

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/usernamenenad/benor-quic/cluster"
	"github.com/usernamenenad/benor-quic/core"
	"github.com/usernamenenad/benor-quic/impl/benor"
)

// ─── tc netem helpers ──────────────────────────────────────────────────────

// netemRule describes a tc netem configuration.
type netemRule struct {
	name string
	args []string // args after "sudo tc qdisc add dev lo root netem"
}

var netemScenarios = []netemRule{
	{name: "10ms", args: []string{"delay", "10ms"}},
	{name: "50ms", args: []string{"delay", "50ms"}},
	{name: "100ms", args: []string{"delay", "100ms", "10ms"}}, // 100ms ± 10ms jitter
	{name: "1pct_loss", args: []string{"delay", "10ms", "loss", "1%"}},
	{name: "5pct_loss", args: []string{"delay", "10ms", "loss", "5%"}},
	{name: "jitter_30ms", args: []string{"delay", "20ms", "30ms", "25%"}},
	{name: "wan", args: []string{"delay", "30ms", "10ms", "25%", "loss", "1%", "rate", "10mbit"}},
	{name: "harsh", args: []string{"delay", "50ms", "20ms", "25%", "loss", "5%", "rate", "5mbit"}},
}

func requireNetem(b *testing.B) {
	b.Helper()
	if out, err := exec.Command("sudo", "-n", "tc", "qdisc", "show", "dev", "lo").CombinedOutput(); err != nil {
		b.Skipf("tc not available: %v: %s", err, out)
	}
}

func applyNetem(b *testing.B, rule netemRule) {
	b.Helper()
	args := append([]string{"-n", "tc", "qdisc", "add", "dev", "lo", "root", "netem"}, rule.args...)
	out, err := exec.Command("sudo", args...).CombinedOutput()
	if err != nil {
		b.Fatalf("tc add %s failed: %v: %s", rule.name, err, out)
	}
}

func clearNetem() {
	exec.Command("sudo", "-n", "tc", "qdisc", "del", "dev", "lo", "root").CombinedOutput()
}

// withNetem applies a netem rule for the duration of fn, then clears it.
func withNetem(b *testing.B, rule netemRule, fn func()) {
	b.Helper()
	requireNetem(b)
	clearNetem() // ensure clean state
	applyNetem(b, rule)
	defer clearNetem()
	fn()
}

var netemKinds = []cluster.Kind{cluster.KindTCP, cluster.KindQUIC, cluster.KindZMQ}

// ─── Consensus Under Network Conditions ────────────────────────────────────
// Loss hurts TCP and ZMQ most: a retransmit stalls the whole connection,
// while QUIC only stalls the stream of the affected phase.

func BenchmarkNetem_Consensus(b *testing.B) {
	for _, rule := range netemScenarios {
		for _, kind := range netemKinds {
			for _, pattern := range []string{"same", "split"} {
				b.Run(fmt.Sprintf("%s/%s/%s", rule.name, kind, pattern), func(b *testing.B) {
					withNetem(b, rule, func() {
						benchConsensus(b, kind, 4, pattern, nil)
					})
				})
			}
		}
	}
}

func BenchmarkNetem_Consensus7N(b *testing.B) {
	for _, rule := range []netemRule{netemScenarios[0], netemScenarios[3], netemScenarios[6]} {
		for _, kind := range netemKinds {
			b.Run(fmt.Sprintf("%s/%s", rule.name, kind), func(b *testing.B) {
				withNetem(b, rule, func() {
					benchConsensus(b, kind, 7, "split", nil)
				})
			})
		}
	}
}

// ─── Message Latency Under Network Conditions ──────────────────────────────

func BenchmarkNetem_Latency(b *testing.B) {
	for _, rule := range []netemRule{netemScenarios[0], netemScenarios[1], netemScenarios[5]} {
		for _, factory := range networkFactories() {
			b.Run(fmt.Sprintf("%s/%s", rule.name, factory.name), func(b *testing.B) {
				transports, cleanup := factory.setup(b, 2)
				defer cleanup()

				withNetem(b, rule, func() {
					ch := transports[1].Subscribe()
					msg := &benor.Message{Phase: core.PhaseR, Round: 1, Value: core.ValueZero, From: 0}
					ctx := context.Background()

					b.ResetTimer()
					for i := 0; i < b.N; i++ {
						transports[0].Send(ctx, 1, msg)
						select {
						case <-ch:
						case <-time.After(10 * time.Second):
							b.Fatalf("iteration %d: message lost", i)
						}
					}
				})
			})
		}
	}
}
