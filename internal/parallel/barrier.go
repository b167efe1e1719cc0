package parallel

import (
	"runtime"
	"sync/atomic"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Barrier is a reusable spinning barrier for layer-boundary
// synchronization. The last arriving participant resets the count and
// advances the phase; everyone else spins (yielding) on the phase
// change. It is independent of the pool's dispatch machinery.
type Barrier struct {
	target int32
	count  atomic.Int32
	phase  atomic.Uint32
}

// NewBarrier creates a barrier for n participants. n < 1 is treated
// as 1, making Wait a no-op.
func NewBarrier(n int) *Barrier {
	if n < 1 {
		n = 1
	}
	return &Barrier{target: int32(n)}
}

// Wait blocks until all participants have arrived at the same phase.
func (b *Barrier) Wait() {
	metrics.BarrierWaitsTotal.Inc()
	phase := b.phase.Load()
	if b.count.Add(1) == b.target {
		b.count.Store(0)
		b.phase.Add(1)
		return
	}
	for b.phase.Load() == phase {
		runtime.Gosched()
	}
}

// Phase reports how many times the barrier has cycled.
func (b *Barrier) Phase() uint32 {
	return b.phase.Load()
}
