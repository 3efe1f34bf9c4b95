package benor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/usernamenenad/benor-quic/core"
)

// Engine runs the Ben-Or round loop for one node.
type Engine struct {
	id core.NodeId

	state     *State
	config    *Config
	validator *Validator
	network   core.Transport
	store     core.Store
	timer     *Timer
	coin      Coin
	metrics   *Metrics

	decided     chan struct{}
	decidedOnce sync.Once

	logger *slog.Logger
}

func NewEngine(
	id core.NodeId,
	config *Config,
	state *State,
	network core.Transport,
	store core.Store,
	coin Coin,
	metrics *Metrics,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if coin == nil {
		coin = LocalCoin
	}
	if metrics == nil {
		metrics = NewMetrics("benor", nil)
	}

	return &Engine{
		id:        id,
		state:     state,
		config:    config,
		validator: NewValidator(config),
		network:   network,
		store:     store,
		timer:     NewTimer(),
		coin:      coin,
		metrics:   metrics,
		decided:   make(chan struct{}),
		logger:    logger,
	}
}

// Decided is closed once the engine has fixed its output value.
func (e *Engine) Decided() <-chan struct{} {
	return e.decided
}

// Run executes rounds until the node decides or ctx is cancelled. A
// decided engine keeps answering later rounds with its decided value
// until ctx is cancelled, so peers that decide one round later can
// still gather a quorum.
func (e *Engine) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		round, estimate, ok := e.state.beginRound()
		if !ok {
			return
		}
		e.metrics.RecordRound(e.id)

		e.logger.Debug("round started", "nodeId", e.id, "round", round, "estimate", estimate)

		// R phase
		e.broadcast(ctx, &Message{Phase: core.PhaseR, Round: round, Value: estimate, From: e.id})
		if err := e.await(ctx, round, core.PhaseR); err != nil {
			return
		}
		proposal := e.validator.Proposal(e.store.Values(round, core.PhaseR))

		// P phase
		e.state.setStage(StageAwaitingP)
		e.broadcast(ctx, &Message{Phase: core.PhaseP, Round: round, Value: proposal, From: e.id})
		if err := e.await(ctx, round, core.PhaseP); err != nil {
			return
		}

		outcome, value := e.validator.Resolve(e.store.Values(round, core.PhaseP))
		switch outcome {
		case OutcomeDecide:
			e.decide(round, value)
			e.echo(ctx, round, value)
			return
		case OutcomeAdopt:
			e.state.adopt(value)
		case OutcomeFlip:
			value = e.coin()
			e.state.adopt(value)
			e.metrics.RecordCoinFlip(e.id)
		}

		e.logger.Debug(
			"round finished",
			"nodeId", e.id,
			"round", round,
			"outcome", outcome.String(),
			"estimate", value,
		)
	}
}

func (e *Engine) decide(round core.Round, value core.Value) {
	e.state.decide(value)
	e.metrics.RecordDecision(e.id, value, round)
	e.decidedOnce.Do(func() { close(e.decided) })
	e.store.Prune(round)

	e.logger.Info("decided!", "nodeId", e.id, "round", round, "value", value)
}

// echo reports the decided value for every round newer than the one
// already answered, once per round.
func (e *Engine) echo(ctx context.Context, decidedRound core.Round, value core.Value) {
	answered := decidedRound
	for {
		latest, err := e.store.AwaitRoundAfter(ctx, answered)
		if err != nil {
			return
		}

		for round := answered + 1; round <= latest; round++ {
			e.logger.Debug("echoing decision", "nodeId", e.id, "round", round, "value", value)
			e.broadcast(ctx, &Message{Phase: core.PhaseR, Round: round, Value: value, From: e.id})
			e.broadcast(ctx, &Message{Phase: core.PhaseP, Round: round, Value: value, From: e.id})
		}

		e.store.Prune(latest)
		answered = latest
	}
}

// broadcast records msg locally, so the node always counts itself, then
// hands it to the transport. Failures are counted and logged, never retried.
func (e *Engine) broadcast(ctx context.Context, msg *Message) {
	e.store.Record(msg)

	if err := e.network.Broadcast(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.metrics.RecordSendFailure(e.id)
		e.logger.Warn(
			"broadcast did not reach every peer",
			"nodeId", e.id,
			"message", msg.String(),
			"error", err,
		)
	}
}

// await blocks until the phase has a quorum. With a QuorumTimeout set,
// each expiry is reported and the wait continues.
func (e *Engine) await(ctx context.Context, round core.Round, phase core.Phase) error {
	quorum := e.config.QuorumSize()
	if e.config.QuorumTimeout <= 0 {
		return e.store.Await(ctx, round, phase, quorum)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.store.Await(waitCtx, round, phase, quorum)
	}()

	e.timer.Start(waitCtx, round, phase, e.config.QuorumTimeout)
	defer e.timer.Stop()

	for {
		select {
		case err := <-done:
			return err
		case expiry := <-e.timer.GetExpiryChan():
			if expiry.Round != round || expiry.Phase != phase {
				continue
			}

			e.metrics.RecordQuorumTimeout(e.id, phase)
			e.logger.Warn(
				"quorum wait timed out, more than F nodes may be silent",
				"nodeId", e.id,
				"round", round,
				"phase", phase.String(),
				"have", e.store.Count(round, phase),
				"need", quorum,
			)

			e.timer.Start(waitCtx, round, phase, e.config.QuorumTimeout)
		}
	}
}
