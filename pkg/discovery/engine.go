package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netwatch/cdpcrawl/pkg/util"
)

// Store is the subset of the Inventory Store the Engine needs. Defined
// here, on the consumer side, rather than in pkg/store, so the Engine
// depends on a small interface instead of a concrete storage type.
type Store interface {
	Admit(hostname, ipAddress string) (bool, error)
	MarkProcessing(hostname, ipAddress string) error
	MarkProcessed(hostname, ipAddress string) error
	SaveDevice(d Device) error
}

// Engine is the worker pool that drains the Frontier, runs a Session per
// seed, admits discovered devices and neighbors through the Store, and
// pushes newly-admitted neighbors back onto the Frontier. One Engine
// drives exactly one crawl run.
type Engine struct {
	frontier     *Frontier
	store        Store
	sessionFor   func(seed Seed) *Session
	stats        *Stats
	queueTimeout time.Duration

	// pending counts work that has been admitted but not yet finished:
	// incremented in Seed at push time, decremented in process once a
	// Session (and everything it in turn seeds) has been accounted for.
	// WaitForCompletion watches this, not the Frontier's length, because
	// a worker that has taken an item off the Frontier still owns
	// outstanding work the Frontier itself no longer sees.
	pending int64

	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewEngine wires a Frontier, Store, Session factory, and Stats reporter
// into a new, not-yet-started Engine. queueTimeout bounds each Frontier
// take so a worker periodically rechecks the stop signal even with no
// work arriving.
func NewEngine(frontier *Frontier, store Store, sessionFor func(seed Seed) *Session, stats *Stats, queueTimeout time.Duration) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		frontier:     frontier,
		store:        store,
		sessionFor:   sessionFor,
		stats:        stats,
		queueTimeout: queueTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Seed admits (hostname, ip) through the Store and, only if it was newly
// admitted, pushes it onto the Frontier and counts it toward
// WaitForCompletion's pending tally. Entry/Control calls this once for
// the operator-supplied seed; process calls it for every neighbor a
// Session reports. Apart from Resume, which re-queues rows the Store
// already holds, this is the only path that writes to the Frontier, so
// admission and enqueue can never drift apart.
func (e *Engine) Seed(seed Seed) {
	admitted, err := e.store.Admit(seed.Hostname, seed.IPAddress)
	if err != nil {
		util.WithDevice(seed.Hostname).WithField("error", err).Error("admitting seed to store")
		return
	}
	if !admitted {
		return
	}
	atomic.AddInt64(&e.pending, 1)
	e.frontier.Push(seed)
}

// Resume pushes seed straight onto the Frontier, bypassing Admit. It is for
// QueueEntries Store.ResumeQueue returns after a crash: that row is already
// the admission witness for (hostname, ip), so routing it back through Seed
// would find it already admitted and drop it on the floor rather than
// re-queuing it — exactly the bug that made crash-recovery inert.
func (e *Engine) Resume(seed Seed) {
	atomic.AddInt64(&e.pending, 1)
	e.frontier.Push(seed)
}

// Start launches n worker goroutines, each pulling seeds from the
// Frontier until Stop cancels the Engine's context.
func (e *Engine) Start(n int) {
	for i := 0; i < n; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// WaitForCompletion blocks until either the Frontier is drained and no
// worker holds outstanding work, or the Engine is stopped out from under
// it (an external Stop, e.g. from a caught signal) — whichever happens
// first — then waits for every worker to return. Polling pending alone
// would never notice an external Stop: a seed still sitting unconsumed in
// the Frontier at Stop time leaves its pending entry permanently
// outstanding, since no worker will ever take it to decrement it.
func (e *Engine) WaitForCompletion() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if atomic.LoadInt64(&e.pending) == 0 {
				e.Stop()
				e.wg.Wait()
				return
			}
		case <-e.ctx.Done():
			e.wg.Wait()
			return
		}
	}
}

// Stop signals every worker to finish its current Session and exit. Safe
// to call more than once or concurrently with WaitForCompletion.
func (e *Engine) Stop() {
	e.stopped.Do(e.cancel)
}

func (e *Engine) worker() {
	defer e.wg.Done()

	for {
		takeCtx, cancel := context.WithTimeout(e.ctx, e.queueTimeout)
		seed, ok := e.frontier.Take(takeCtx)
		cancel()
		if !ok {
			if e.ctx.Err() != nil {
				return
			}
			continue
		}
		e.process(seed)
	}
}

func (e *Engine) process(seed Seed) {
	defer atomic.AddInt64(&e.pending, -1)

	if err := e.store.MarkProcessing(seed.Hostname, seed.IPAddress); err != nil {
		util.WithDevice(seed.Hostname).WithField("error", err).Error("marking seed processing")
	}
	e.stats.Processing(seed.Hostname)

	session := e.sessionFor(seed)
	result, err := session.Run(seed)
	if err != nil {
		util.WithDevice(seed.Hostname).WithField("error", err).Warn("session failed")
		e.finish(seed)
		return
	}

	if err := e.store.SaveDevice(result.Device); err != nil {
		util.WithDevice(result.Device.Hostname).WithField("error", err).Error("saving device")
	} else {
		e.stats.DeviceDiscovered()
	}

	for _, neighbor := range result.Neighbors {
		if neighbor.IPAddress == "" || !IsInfrastructure(neighbor.DeviceType) {
			continue
		}
		e.Seed(Seed{Hostname: neighbor.Hostname, IPAddress: neighbor.IPAddress})
	}

	e.finish(seed)
}

func (e *Engine) finish(seed Seed) {
	if err := e.store.MarkProcessed(seed.Hostname, seed.IPAddress); err != nil {
		util.WithDevice(seed.Hostname).WithField("error", err).Error("marking seed processed")
	}
	e.stats.Finished(seed.Hostname)
	e.stats.SeedProcessed()
}
