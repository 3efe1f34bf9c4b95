package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"

	"github.com/usernamenenad/benor-quic/cluster"
	"github.com/usernamenenad/benor-quic/core"
	"github.com/usernamenenad/benor-quic/impl/benor"
)

// runConfig holds everything the command line controls.
type runConfig struct {
	N             int
	F             int
	Values        []core.Value
	Faulty        map[core.NodeId]bool
	Kind          cluster.Kind
	QuorumTimeout time.Duration
	Timeout       time.Duration
	Seed          uint64
	Heartbeat     time.Duration
	MetricsAddr   string
	LogLevel      pterm.LogLevel
	JSON          bool
}

func main() {
	config, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(2)
	}

	// Create a new slog handler with the PTerm logger
	logger := slog.New(pterm.NewSlogHandler(pterm.DefaultLogger.WithLevel(config.LogLevel)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (runConfig, error) {
	config := runConfig{}

	fs.IntVar(&config.N, "n", 4, "number of nodes")
	fs.IntVar(&config.F, "f", 1, "number of tolerated crash faults (N > 2F)")
	values := fs.String("values", "", "comma-separated initial values, e.g. 0,0,0,1 (default: alternating 0,1)")
	faulty := fs.String("faulty", "", "comma-separated ids of nodes that never send, e.g. 3")
	kind := fs.String("transport", string(cluster.KindMemory), "transport: mem, tcp, quic or zmq")
	fs.DurationVar(&config.QuorumTimeout, "quorum-timeout", 0, "report quorum waits longer than this (0 disables)")
	fs.DurationVar(&config.Timeout, "timeout", 30*time.Second, "give up if nodes have not decided by then")
	fs.Uint64Var(&config.Seed, "seed", 0, "seed for deterministic coins (0 uses a random coin)")
	fs.DurationVar(&config.Heartbeat, "heartbeat", 500*time.Millisecond, "QUIC heartbeat interval (0 disables)")
	fs.StringVar(&config.MetricsAddr, "metrics", "", "serve Prometheus metrics on this address, e.g. :9100")
	level := fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.BoolVar(&config.JSON, "json", false, "print the final node reports as JSON")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	var err error
	if config.Kind, err = cluster.ParseKind(*kind); err != nil {
		return config, err
	}
	if config.Values, err = parseValues(*values, config.N); err != nil {
		return config, err
	}
	if config.Faulty, err = parseFaulty(*faulty, config.N); err != nil {
		return config, err
	}
	if config.LogLevel, err = parseLevel(*level); err != nil {
		return config, err
	}

	return config, nil
}

func parseValues(s string, n int) ([]core.Value, error) {
	if s == "" {
		values := make([]core.Value, n)
		for i := range values {
			values[i], _ = core.BinaryValue(i % 2)
		}
		return values, nil
	}

	fields := strings.Split(s, ",")
	if len(fields) != n {
		return nil, fmt.Errorf("-values lists %d values, want %d", len(fields), n)
	}

	values := make([]core.Value, n)
	for i, field := range fields {
		v, err := core.ParseValue(strings.TrimSpace(field))
		if err != nil || !v.IsDefinite() {
			return nil, fmt.Errorf("-values: %q is not 0 or 1", field)
		}
		values[i] = v
	}
	return values, nil
}

func parseFaulty(s string, n int) (map[core.NodeId]bool, error) {
	faulty := make(map[core.NodeId]bool)
	if s == "" {
		return faulty, nil
	}

	for _, field := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("-faulty: %w", err)
		}
		if id < 0 || id >= n {
			return nil, fmt.Errorf("-faulty: node %d outside [0, %d)", id, n)
		}
		faulty[core.NodeId(id)] = true
	}
	return faulty, nil
}

func parseLevel(s string) (pterm.LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return pterm.LogLevelDebug, nil
	case "info":
		return pterm.LogLevelInfo, nil
	case "warn":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	default:
		return pterm.LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func run(ctx context.Context, config runConfig, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := benor.NewMetrics("benor", registry)

	if config.MetricsAddr != "" {
		server := benor.NewMetricsServer(config.MetricsAddr, registry)
		server.StartAsync(func(err error) {
			logger.Error("metrics server failed", "error", err)
		})
		defer server.Stop()
		logger.Info("serving metrics", "addr", config.MetricsAddr)
	}

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	c, err := cluster.New(ctx, cluster.Options{
		Kind:      config.Kind,
		Config:    benor.NewConfig(config.N, config.F, benor.WithQuorumTimeout(config.QuorumTimeout)),
		Values:    config.Values,
		Faulty:    config.Faulty,
		Seed:      config.Seed,
		Heartbeat: config.Heartbeat,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	started := time.Now()
	if err := c.Start(ctx); err != nil {
		return err
	}

	waitErr := c.Wait(ctx)
	elapsed := time.Since(started)
	reports := c.Reports()

	if config.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else if err := renderReports(reports); err != nil {
		return err
	}

	if waitErr != nil {
		return waitErr
	}

	decision, err := c.Decision()
	if err != nil {
		return err
	}
	logger.Info("consensus reached", "value", decision, "transport", string(config.Kind), "elapsed", elapsed)

	return nil
}

func renderReports(reports []cluster.Report) error {
	data := pterm.TableData{{"Node", "Status", "Stage", "Round", "Estimate", "Decided", "Heartbeats"}}

	for _, r := range reports {
		heartbeats := "-"
		if r.HeartbeatPeers >= 0 {
			heartbeats = strconv.Itoa(r.HeartbeatPeers)
		}
		data = append(data, []string{
			r.Id.String(),
			r.Status.String(),
			r.State.Stage.String(),
			strconv.FormatUint(uint64(r.State.Round), 10),
			r.State.Estimate.String(),
			strconv.FormatBool(r.State.Decided),
			heartbeats,
		})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
