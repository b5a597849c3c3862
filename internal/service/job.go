package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/cache"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
)

var ErrCycleRunning = errors.New("a dispatch cycle is already running")

// Job binds a dispatcher to the session identity captured at ready time and
// keeps cycles from overlapping.
type Job struct {
	d    *Dispatcher
	cc   model.CycleContext
	lock cache.Locker

	running sync.Mutex

	mu   sync.Mutex
	last *CycleReport
}

func NewJob(d *Dispatcher, cc model.CycleContext) *Job {
	return &Job{d: d, cc: cc}
}

// WithLock adds a cross-process lock on top of the in-process one.
func (j *Job) WithLock(l cache.Locker) *Job {
	j.lock = l
	return j
}

// Run executes one cycle unless another is in progress, in which case the
// report comes back with Skipped set.
func (j *Job) Run(ctx context.Context) CycleReport {
	if !j.running.TryLock() {
		return j.skip("in-process")
	}
	defer j.running.Unlock()

	if j.lock != nil {
		release, ok, err := j.lock.Acquire(ctx)
		if err != nil {
			slog.Error("dispatch cycle not started", "error", err)
			j.d.metrics.Cycle("failed", 0)
			return j.remember(CycleReport{StartedAt: time.Now(), Err: err})
		}
		if !ok {
			return j.skip("lock held")
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("cycle lock release failed", "error", err)
			}
		}()
	}

	return j.remember(j.d.RunCycle(ctx, j.cc))
}

// Tick adapts Run to the scheduler callback.
func (j *Job) Tick(ctx context.Context) {
	_ = j.Run(ctx)
}

// Last returns the most recent report, if any cycle was attempted.
func (j *Job) Last() (CycleReport, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return CycleReport{}, false
	}
	return *j.last, true
}

func (j *Job) skip(reason string) CycleReport {
	slog.Info("dispatch cycle skipped", "reason", reason)
	j.d.metrics.Cycle("skipped", 0)
	return CycleReport{StartedAt: time.Now(), Skipped: true, Err: ErrCycleRunning}
}

func (j *Job) remember(r CycleReport) CycleReport {
	j.mu.Lock()
	j.last = &r
	j.mu.Unlock()
	return r
}
