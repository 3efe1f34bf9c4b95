package cluster_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/usernamenenad/benor-quic/cluster"
	"github.com/usernamenenad/benor-quic/core"
	"github.com/usernamenenad/benor-quic/impl/benor"
)

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func values(s string) []core.Value {
	vs := make([]core.Value, len(s))
	for i, c := range s {
		v, err := core.BinaryValue(int(c - '0'))
		if err != nil {
			panic(err)
		}
		vs[i] = v
	}
	return vs
}

func TestClusterAcrossTransports(t *testing.T) {
	for _, kind := range cluster.Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			c, err := cluster.New(ctx, cluster.Options{
				Kind:      kind,
				Config:    benor.NewConfig(4, 1),
				Values:    values("0001"),
				Faulty:    map[core.NodeId]bool{3: true},
				Seed:      11,
				Heartbeat: 50 * time.Millisecond,
				Logger:    silentLogger,
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer c.Close()

			if !c.Ready() {
				t.Fatal("cluster not ready after New")
			}
			if err := c.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := c.Wait(ctx); err != nil {
				t.Fatalf("Wait: %v", err)
			}

			decision, err := c.Decision()
			if err != nil {
				t.Fatalf("Decision: %v", err)
			}
			if decision != core.ValueZero {
				t.Fatalf("decided %s, want 0", decision)
			}

			reports := c.Reports()
			if len(reports) != 4 {
				t.Fatalf("got %d reports", len(reports))
			}
			if r := reports[3]; r.Status != benor.StatusFaulty || r.State.Decided {
				t.Errorf("faulty node report: %+v", r)
			}
			for _, r := range reports {
				if kind != cluster.KindQUIC && r.HeartbeatPeers != -1 {
					t.Errorf("%s: heartbeat peers %d on a transport without heartbeats", r.Id, r.HeartbeatPeers)
				}
			}
		})
	}
}

func TestClusterStartTwice(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.New(ctx, cluster.Options{
		Kind:   cluster.KindMemory,
		Config: benor.NewConfig(3, 1),
		Values: values("111"),
		Logger: silentLogger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, benor.ErrAlreadyStarted) {
		t.Fatalf("second Start: got %v, want ErrAlreadyStarted", err)
	}
}

func TestClusterUndecided(t *testing.T) {
	// two silent nodes out of three leave no quorum
	ctx := context.Background()
	c, err := cluster.New(ctx, cluster.Options{
		Kind:   cluster.KindMemory,
		Config: benor.NewConfig(3, 1),
		Values: values("010"),
		Faulty: map[core.NodeId]bool{1: true, 2: true},
		Logger: silentLogger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := c.Wait(waitCtx); !errors.Is(err, cluster.ErrUndecided) {
		t.Fatalf("Wait: got %v, want ErrUndecided", err)
	}
	if _, err := c.Decision(); !errors.Is(err, cluster.ErrUndecided) {
		t.Fatalf("Decision: got %v, want ErrUndecided", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r := c.Reports()[0]; r.State.Alive || r.State.Stage != benor.StageStopped {
		t.Fatalf("node 0 after Close: %+v", r)
	}
}

func TestClusterMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := benor.NewMetrics("benor", registry)

	ctx := context.Background()
	c, err := cluster.New(ctx, cluster.Options{
		Kind:    cluster.KindMemory,
		Config:  benor.NewConfig(5, 2),
		Values:  values("11111"),
		Metrics: metrics,
		Logger:  silentLogger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("2", "1")); got != 1 {
		t.Errorf("decisions_total for node 2: got %v, want 1", got)
	}
	if got := testutil.CollectAndCount(metrics.RoundsTotal); got != 5 {
		t.Errorf("rounds_total series: got %d, want 5", got)
	}

	if got := testutil.CollectAndCount(metrics.CoinFlipsTotal); got != 0 {
		t.Errorf("unanimous input flipped a coin on %d nodes", got)
	}
}

func TestReportJSON(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.New(ctx, cluster.Options{
		Kind:   cluster.KindMemory,
		Config: benor.NewConfig(3, 1),
		Values: values("100"),
		Faulty: map[core.NodeId]bool{0: true},
		Logger: silentLogger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	data, err := json.Marshal(c.Reports()[0])
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{`"status":"faulty"`, `"stage":"IDLE"`, `"decided":false`, `"k":0`, `"x":null`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("report %s lacks %s", data, want)
		}
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		opts cluster.Options
		want error
	}{
		{"no config", cluster.Options{Kind: cluster.KindMemory}, benor.ErrInvalidConfig},
		{"bound violated", cluster.Options{Kind: cluster.KindMemory, Config: benor.NewConfig(4, 2), Values: values("0000")}, benor.ErrInvalidConfig},
		{"wrong value count", cluster.Options{Kind: cluster.KindMemory, Config: benor.NewConfig(3, 1), Values: values("01")}, cluster.ErrBadValues},
		{"unknown kind", cluster.Options{Kind: "carrier-pigeon", Config: benor.NewConfig(3, 1), Values: values("011")}, cluster.ErrUnknownKind},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.Logger = silentLogger
			if _, err := cluster.New(ctx, tc.opts); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := cluster.ParseKind("udp"); !errors.Is(err, cluster.ErrUnknownKind) {
		t.Errorf("ParseKind(udp): got %v", err)
	}
	if k, err := cluster.ParseKind("zmq"); err != nil || k != cluster.KindZMQ {
		t.Errorf("ParseKind(zmq) = %v, %v", k, err)
	}
}
