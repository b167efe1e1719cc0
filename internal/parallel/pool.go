// Package parallel provides the fixed-size worker pool the numeric
// kernels dispatch onto. The calling thread always participates as
// worker 0; pool goroutines poll for published work with a yielding
// spin. Two disciplines are offered: work-stealing over a shared
// atomic claim counter (the default) and a deterministic fixed
// partition whose range-to-worker assignment is reproducible across
// calls, for callers measuring per-core timing.
package parallel

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// WorkFunc executes the half-open index range [start, end). The
// closure captures whatever state it reads and writes; the dispatcher
// guarantees ranges handed to different workers never overlap.
type WorkFunc func(start, end int)

// workItem is the published descriptor for one dispatch. It lives for
// exactly one ParallelFor call.
type workItem struct {
	fn            WorkFunc
	total         int
	chunk         int
	deterministic bool
	workers       int

	next      atomic.Int64
	completed atomic.Int64
	done      atomic.Int32
}

type workerStats struct {
	workCycles  atomic.Uint64
	idleCycles  atomic.Uint64
	items       atomic.Uint64
	invocations atomic.Uint64
	coreID      atomic.Int32
}

// Stats is an observational snapshot of one worker's counters. It
// never gates correctness; it exists to diagnose load imbalance.
type Stats struct {
	WorkCycles  uint64
	IdleCycles  uint64
	Items       uint64
	Invocations uint64
	CoreID      int
}

// Pool is a fixed pool of cooperative workers. It is sized once at
// construction; resizing means Shutdown and NewPool.
type Pool struct {
	threads int
	log     *logger.Logger

	deterministic atomic.Bool
	pinRequest    []atomic.Int32
	stats         []workerStats

	work atomic.Pointer[workItem]
	stop atomic.Bool
	down sync.Once
	wg   sync.WaitGroup
}

// NewPool creates a pool of threads workers, one of which is the
// caller itself. threads < 1 is treated as 1 (no pool goroutines,
// ParallelFor degenerates to a direct call).
func NewPool(threads int) *Pool {
	if threads < 1 {
		threads = 1
	}
	p := &Pool{
		threads:    threads,
		log:        logger.Log.Component("parallel"),
		pinRequest: make([]atomic.Int32, threads),
		stats:      make([]workerStats, threads),
	}
	for i := range p.pinRequest {
		p.pinRequest[i].Store(-1)
		p.stats[i].coreID.Store(-1)
	}
	for id := 1; id < threads; id++ {
		p.wg.Add(1)
		go p.worker(id)
	}
	p.log.Info("worker pool started", "threads", threads)
	return p
}

// Threads reports the pool size including the calling thread.
func (p *Pool) Threads() int {
	return p.threads
}

// SetDeterministic selects the fixed-partition discipline. Enabling
// it also turns core pinning on (worker i to core i modulo NumCPU)
// for any worker without an explicit affinity request, since timing
// reproducibility is the whole point of the mode.
func (p *Pool) SetDeterministic(on bool) {
	p.deterministic.Store(on)
	if !on {
		return
	}
	ncpu := runtime.NumCPU()
	for i := range p.pinRequest {
		if p.pinRequest[i].Load() < 0 {
			p.pinRequest[i].Store(int32(i % ncpu))
		}
	}
}

// Deterministic reports the current dispatch discipline.
func (p *Pool) Deterministic() bool {
	return p.deterministic.Load()
}

// SetCoreAffinity requests that worker be pinned to core. The pin is
// applied on the worker's next poll iteration (immediately for worker
// 0, which is the calling thread, on its next dispatch).
func (p *Pool) SetCoreAffinity(worker, core int) {
	if worker < 0 || worker >= p.threads || core < 0 {
		return
	}
	p.pinRequest[worker].Store(int32(core))
}

// WorkerStats snapshots the counters of one worker.
func (p *Pool) WorkerStats(worker int) Stats {
	if worker < 0 || worker >= p.threads {
		return Stats{CoreID: -1}
	}
	s := &p.stats[worker]
	return Stats{
		WorkCycles:  s.workCycles.Load(),
		IdleCycles:  s.idleCycles.Load(),
		Items:       s.items.Load(),
		Invocations: s.invocations.Load(),
		CoreID:      int(s.coreID.Load()),
	}
}

// ParallelFor runs fn over [0, total) across the pool and returns
// once every index has been executed. chunk <= 0 picks a default
// claim granularity. With an effective pool of one thread this is a
// direct call with no synchronization at all; that fallback is the
// single-core path and must stay allocation- and atomic-free.
func (p *Pool) ParallelFor(fn WorkFunc, total, chunk int) {
	if total <= 0 {
		return
	}
	if p.threads <= 1 {
		fn(0, total)
		s := &p.stats[0]
		s.workCycles.Add(1)
		s.items.Add(uint64(total))
		s.invocations.Add(1)
		return
	}

	if chunk <= 0 {
		chunk = total / (p.threads * 8)
		if chunk < 1 {
			chunk = 1
		}
	}

	metrics.RecordDispatch(total)
	it := &workItem{
		fn:            fn,
		total:         total,
		chunk:         chunk,
		deterministic: p.deterministic.Load(),
		workers:       p.threads,
	}

	// Publishing the descriptor pointer is the release store every
	// worker's poll acquires from.
	p.work.Store(it)

	p.applyPin(0)
	p.run(it, 0)

	// Both conditions must hold before the descriptor is retired:
	// every index executed, and every worker through its pass, so no
	// straggler can observe a reused descriptor.
	for it.completed.Load() < int64(total) || it.done.Load() < int32(p.threads) {
		runtime.Gosched()
	}
	p.work.Store(nil)
}

// worker is the poll loop of one pool goroutine. Between dispatches
// it yields rather than busy-spinning, and counts the idle cycles.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	var last *workItem
	for !p.stop.Load() {
		p.applyPin(id)
		it := p.work.Load()
		if it == nil || it == last {
			p.stats[id].idleCycles.Add(1)
			runtime.Gosched()
			continue
		}
		p.run(it, id)
		last = it
	}
}

// run executes one worker's share of a dispatch and then counts the
// worker into the done tally exactly once.
func (p *Pool) run(it *workItem, id int) {
	s := &p.stats[id]
	s.invocations.Add(1)

	if it.deterministic {
		start, end := Partition(it.total, it.workers, id)
		if start < end {
			it.fn(start, end)
			n := end - start
			s.workCycles.Add(1)
			s.items.Add(uint64(n))
			it.completed.Add(int64(n))
		}
	} else {
		for {
			claim := int(it.next.Add(int64(it.chunk))) - it.chunk
			if claim >= it.total {
				break
			}
			end := claim + it.chunk
			if end > it.total {
				end = it.total
			}
			it.fn(claim, end)
			n := end - claim
			s.workCycles.Add(1)
			s.items.Add(uint64(n))
			it.completed.Add(int64(n))
		}
	}

	it.done.Add(1)
}

// Partition returns the deterministic fixed partition of total items
// for the given worker: an even split with the remainder spread over
// the first workers. The mapping depends only on (total, workers,
// id), which is the reproducibility contract of deterministic mode.
func Partition(total, workers, id int) (start, end int) {
	if workers <= 0 || id < 0 || id >= workers {
		return 0, 0
	}
	base := total / workers
	rem := total % workers
	start = id*base + min(id, rem)
	size := base
	if id < rem {
		size++
	}
	return start, start + size
}

func (p *Pool) applyPin(id int) {
	want := p.pinRequest[id].Load()
	if want < 0 || want == p.stats[id].coreID.Load() {
		return
	}
	if err := pinThread(int(want)); err != nil {
		p.log.Warn("core pin failed", "worker", id, "core", want, "error", err)
		p.pinRequest[id].Store(-1)
		return
	}
	p.stats[id].coreID.Store(want)
}

// Shutdown stops the pool goroutines, waits for them to exit, and
// publishes final per-worker counters to the metrics registry. Safe
// to call more than once.
func (p *Pool) Shutdown() {
	p.down.Do(func() {
		p.stop.Store(true)
		p.wg.Wait()
		for i := 0; i < p.threads; i++ {
			s := p.WorkerStats(i)
			metrics.RecordWorker(strconv.Itoa(i), s.WorkCycles, s.IdleCycles)
		}
		p.log.Info("worker pool stopped", "threads", p.threads)
	})
}
