package benor

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the cluster-wide parameters every node must agree on.
type Config struct {
	N int
	F int

	// QuorumTimeout, if positive, arms a watchdog on every quorum wait.
	// Expiry is reported but never changes protocol state.
	QuorumTimeout time.Duration
}

type ConfigOption func(*Config)

func WithQuorumTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.QuorumTimeout = d
	}
}

func NewConfig(n, f int, opts ...ConfigOption) *Config {
	c := &Config{N: n, F: f}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate checks the crash-fault bound N > 2F.
func (c *Config) Validate() error {
	if c.N < 1 {
		return fmt.Errorf("%w: N must be positive, got %d", ErrInvalidConfig, c.N)
	}
	if c.F < 0 {
		return fmt.Errorf("%w: F must not be negative, got %d", ErrInvalidConfig, c.F)
	}
	if 2*c.F >= c.N {
		return fmt.Errorf("%w: need N > 2F, got N=%d F=%d", ErrInvalidConfig, c.N, c.F)
	}
	return nil
}

// QuorumSize is the number of distinct senders a node waits for in
// each phase.
func (c *Config) QuorumSize() int {
	return c.N - c.F
}

// DecisionThreshold is the number of matching P-messages needed to decide.
func (c *Config) DecisionThreshold() int {
	return c.F + 1
}

// IsMajority reports whether count is strictly more than N/2.
func (c *Config) IsMajority(count int) bool {
	return 2*count > c.N
}
