package benor

import (
	"context"
	"sync"
	"time"

	"github.com/usernamenenad/benor-quic/core"
)

// Expiry identifies the quorum wait a Timer was armed for.
type Expiry struct {
	Round core.Round
	Phase core.Phase
}

// Timer is the quorum-wait watchdog. At most one expiry is pending.
type Timer struct {
	mu       sync.Mutex
	timer    *time.Timer
	expireCh chan Expiry
}

func NewTimer() *Timer {
	return &Timer{
		expireCh: make(chan Expiry, 1),
	}
}

func (t *Timer) Start(ctx context.Context, round core.Round, phase core.Phase, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}

	t.timer = time.AfterFunc(duration, func() {
		select {
		case <-ctx.Done():
			return
		default:
			select {
			case t.expireCh <- Expiry{Round: round, Phase: phase}:
			default:
			}
		}
	})
}

// Stop disarms the timer and discards an expiry nobody consumed.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}

	select {
	case <-t.expireCh:
	default:
	}
}

func (t *Timer) GetExpiryChan() <-chan Expiry {
	return t.expireCh
}
