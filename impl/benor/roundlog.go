package benor

import (
	"context"
	"sort"
	"sync"

	"github.com/usernamenenad/benor-quic/core"
)

type bucket map[core.NodeId]core.Value

type roundEntry struct {
	r bucket
	p bucket
}

func (e *roundEntry) get(phase core.Phase) bucket {
	if phase == core.PhaseR {
		return e.r
	}
	return e.p
}

// RoundLog is the per-node message buffer. Every successful Record wakes
// all goroutines blocked in Await or AwaitRoundAfter.
//
// Messages for rounds older than the prune floor are ignored.
type RoundLog struct {
	mu     sync.Mutex
	rounds map[core.Round]*roundEntry
	latest core.Round
	floor  core.Round
	notify chan struct{}
}

func NewRoundLog() *RoundLog {
	return &RoundLog{
		rounds: make(map[core.Round]*roundEntry),
		notify: make(chan struct{}),
	}
}

var _ core.Store = (*RoundLog)(nil)

// Record keeps the first message seen from each sender per round and
// phase; later duplicates are discarded, not overwritten.
func (l *RoundLog) Record(msg core.Message) bool {
	m, ok := msg.(*Message)
	if !ok || m == nil || !m.Phase.IsValid() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if m.Round < l.floor {
		return false
	}

	entry, ok := l.rounds[m.Round]
	if !ok {
		entry = &roundEntry{r: make(bucket), p: make(bucket)}
		l.rounds[m.Round] = entry
	}

	b := entry.get(m.Phase)
	if _, seen := b[m.From]; seen {
		return false
	}
	b[m.From] = m.Value

	if m.Round > l.latest {
		l.latest = m.Round
	}

	close(l.notify)
	l.notify = make(chan struct{})

	return true
}

func (l *RoundLog) Count(round core.Round, phase core.Phase) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.countLocked(round, phase)
}

func (l *RoundLog) countLocked(round core.Round, phase core.Phase) int {
	entry, ok := l.rounds[round]
	if !ok {
		return 0
	}
	return len(entry.get(phase))
}

// Values returns the recorded values ordered by sender id.
func (l *RoundLog) Values(round core.Round, phase core.Phase) []core.Value {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.rounds[round]
	if !ok {
		return []core.Value{}
	}

	b := entry.get(phase)
	senders := make([]core.NodeId, 0, len(b))
	for id := range b {
		senders = append(senders, id)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

	values := make([]core.Value, len(senders))
	for i, id := range senders {
		values[i] = b[id]
	}
	return values
}

func (l *RoundLog) Await(ctx context.Context, round core.Round, phase core.Phase, quorum int) error {
	for {
		l.mu.Lock()
		count := l.countLocked(round, phase)
		wake := l.notify
		l.mu.Unlock()

		if count >= quorum {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (l *RoundLog) AwaitRoundAfter(ctx context.Context, after core.Round) (core.Round, error) {
	for {
		l.mu.Lock()
		latest := l.latest
		wake := l.notify
		l.mu.Unlock()

		if latest > after {
			return latest, nil
		}

		select {
		case <-ctx.Done():
			return latest, ctx.Err()
		case <-wake:
		}
	}
}

func (l *RoundLog) Prune(before core.Round) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if before <= l.floor {
		return
	}
	l.floor = before

	for round := range l.rounds {
		if round < before {
			delete(l.rounds, round)
		}
	}
}

// Rounds returns how many rounds currently have buffered messages.
func (l *RoundLog) Rounds() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.rounds)
}
