package benor_test

import (
	"context"
	"testing"
	"time"

	"github.com/usernamenenad/benor-quic/core"
	"github.com/usernamenenad/benor-quic/impl/benor"
)

func TestTimer(t *testing.T) {
	t.Run("expiry carries the armed wait", func(t *testing.T) {
		timer := benor.NewTimer()
		timer.Start(context.Background(), 3, core.PhaseP, 10*time.Millisecond)

		select {
		case e := <-timer.GetExpiryChan():
			if e.Round != 3 || e.Phase != core.PhaseP {
				t.Fatalf("got expiry %+v, want round 3 phase P", e)
			}
		case <-time.After(time.Second):
			t.Fatal("timer never fired")
		}
	})

	t.Run("restart replaces the pending timer", func(t *testing.T) {
		timer := benor.NewTimer()
		timer.Start(context.Background(), 1, core.PhaseR, 20*time.Millisecond)
		timer.Start(context.Background(), 2, core.PhaseR, 40*time.Millisecond)

		select {
		case e := <-timer.GetExpiryChan():
			if e.Round != 2 {
				t.Fatalf("got expiry for round %d, want 2", e.Round)
			}
		case <-time.After(time.Second):
			t.Fatal("timer never fired")
		}
	})

	t.Run("stop discards expiry", func(t *testing.T) {
		timer := benor.NewTimer()
		timer.Start(context.Background(), 1, core.PhaseR, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		timer.Stop()

		select {
		case e := <-timer.GetExpiryChan():
			t.Fatalf("unexpected expiry after Stop: %+v", e)
		case <-time.After(30 * time.Millisecond):
		}
	})

	t.Run("cancelled context suppresses expiry", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		timer := benor.NewTimer()
		timer.Start(ctx, 1, core.PhaseR, 10*time.Millisecond)
		cancel()

		select {
		case e := <-timer.GetExpiryChan():
			t.Fatalf("unexpected expiry after cancel: %+v", e)
		case <-time.After(50 * time.Millisecond):
		}
	})
}
