package benor

import (
	"math/rand/v2"
	"sync"

	"github.com/usernamenenad/benor-quic/core"
)

// Coin draws the random estimate used when a round ends with no
// definite P-value.
type Coin func() core.Value

// LocalCoin flips an independent fair coin on every call.
func LocalCoin() core.Value {
	if rand.IntN(2) == 0 {
		return core.ValueZero
	}
	return core.ValueOne
}

// NewSeededCoin returns a reproducible fair coin, safe for concurrent use.
func NewSeededCoin(seed uint64) Coin {
	var mu sync.Mutex
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func() core.Value {
		mu.Lock()
		defer mu.Unlock()

		if r.IntN(2) == 0 {
			return core.ValueZero
		}
		return core.ValueOne
	}
}

// FixedCoin always lands on v.
func FixedCoin(v core.Value) Coin {
	return func() core.Value {
		return v
	}
}
