// Package tasks drives the engine's periodic sweeps. A Runner fires each
// task at its cadence until the context is cancelled. Ticks run in their
// own goroutine so a slow sweep never delays the next one, and each tick
// carries a soft budget after which its context is cancelled.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/pool"

	"minoots.dev/engine/telemetry"
)

// BudgetFactor scales a task's interval into its per-tick soft budget.
const BudgetFactor = 5

// Task is one periodic unit of background work. Run must be idempotent
// and tolerate overlapping invocations.
type Task struct {
	// Name identifies the task in logs and distributed ticker keys.
	Name string
	// Interval is the cadence at which the task fires.
	Interval time.Duration
	// Run performs one tick. Errors are logged and never stop the loop.
	Run func(ctx context.Context) error
}

// Runner fires a set of periodic tasks until stopped.
type Runner interface {
	// Start launches the task loops. It returns once all loops are
	// running; the loops themselves stop when ctx is cancelled.
	Start(ctx context.Context, tasks []Task) error
	// Stop cancels the loops and waits for in-flight ticks to return.
	Stop()
}

type local struct {
	logger telemetry.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocal returns a Runner driven by in-process time.Ticker loops. Every
// process running a local Runner fires every task; use NewDistributed when
// exactly one process per deployment should sweep.
func NewLocal(logger telemetry.Logger) Runner {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &local{logger: logger}
}

func (r *local) Start(ctx context.Context, ts []Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("task runner already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for _, t := range ts {
		if t.Interval <= 0 {
			cancel()
			r.cancel = nil
			return fmt.Errorf("task %q has no interval", t.Name)
		}
		r.wg.Add(1)
		go r.loop(loopCtx, t)
	}
	return nil
}

func (r *local) loop(ctx context.Context, t Task) {
	defer r.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	var ticks sync.WaitGroup
	defer ticks.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticks.Add(1)
			go func() {
				defer ticks.Done()
				runTick(ctx, t, r.logger)
			}()
		}
	}
}

func (r *local) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

type distributed struct {
	node   *pool.Node
	prefix string
	logger telemetry.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	tickers []*pool.Ticker
	wg      sync.WaitGroup
}

// NewDistributed returns a Runner backed by pulse distributed tickers, so
// across every process sharing the node's pool exactly one receives each
// tick. Ticker keys are derived as "<prefix>:<task name>".
func NewDistributed(node *pool.Node, prefix string, logger telemetry.Logger) Runner {
	if prefix == "" {
		prefix = "minoots:sweep"
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &distributed{node: node, prefix: prefix, logger: logger}
}

func (r *distributed) Start(ctx context.Context, ts []Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("task runner already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	for _, t := range ts {
		if t.Interval <= 0 {
			cancel()
			return fmt.Errorf("task %q has no interval", t.Name)
		}
		ticker, err := r.node.NewTicker(loopCtx, r.prefix+":"+t.Name, t.Interval)
		if err != nil {
			cancel()
			r.stopTickersLocked()
			return fmt.Errorf("create distributed ticker for %q: %w", t.Name, err)
		}
		r.tickers = append(r.tickers, ticker)
		r.wg.Add(1)
		go r.loop(loopCtx, t, ticker)
	}
	r.cancel = cancel
	return nil
}

func (r *distributed) loop(ctx context.Context, t Task, ticker *pool.Ticker) {
	defer r.wg.Done()
	var ticks sync.WaitGroup
	defer ticks.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticks.Add(1)
			go func() {
				defer ticks.Done()
				runTick(ctx, t, r.logger)
			}()
		}
	}
}

func (r *distributed) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.stopTickersLocked()
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *distributed) stopTickersLocked() {
	for _, ticker := range r.tickers {
		ticker.Stop()
	}
	r.tickers = nil
}

// runTick executes one tick under the task's soft budget. A tick that
// overruns the budget is cancelled through its context; the next tick
// still fires on schedule.
func runTick(ctx context.Context, t Task, logger telemetry.Logger) {
	tickCtx, cancel := context.WithTimeout(ctx, BudgetFactor*t.Interval)
	defer cancel()
	start := time.Now()
	if err := t.Run(tickCtx); err != nil {
		logger.Error(tickCtx, "background task failed",
			"task", t.Name, "elapsed", time.Since(start).String(), "err", err.Error())
		return
	}
	logger.Debug(tickCtx, "background task tick",
		"task", t.Name, "elapsed", time.Since(start).String())
}
