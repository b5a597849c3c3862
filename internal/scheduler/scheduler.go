package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers tick once on Start and then on every activation of its
// schedule. Ticks never overlap: the next activation is computed after the
// previous tick returns.
type Scheduler struct {
	schedule cron.Schedule
	describe string
	tick     func(context.Context)

	running atomic.Bool
	next    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type interval time.Duration

func (i interval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(i))
}

func New(every time.Duration, tick func(context.Context)) (*Scheduler, error) {
	if every <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	return NewWithSchedule(interval(every), every.String(), tick)
}

// NewCron accepts a standard five-field cron expression.
func NewCron(spec string, tick func(context.Context)) (*Scheduler, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return NewWithSchedule(sched, spec, tick)
}

func NewWithSchedule(schedule cron.Schedule, describe string, tick func(context.Context)) (*Scheduler, error) {
	if schedule == nil {
		return nil, errors.New("schedule must not be nil")
	}
	if tick == nil {
		return nil, errors.New("tick must not be nil")
	}
	return &Scheduler{
		schedule: schedule,
		describe: describe,
		tick:     tick,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx)
	return true
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.next.Store(0)

	slog.Info("scheduler started", "schedule", s.describe)

	s.safeTick(ctx)

	for {
		next := s.schedule.Next(time.Now())
		s.next.Store(next.UnixNano())

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("scheduler stopping")
			return
		case <-timer.C:
			s.safeTick(ctx)
		}
	}
}

// Stop cancels the running tick's context and waits for it to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// NextRun is zero while stopped or while a tick is in progress.
func (s *Scheduler) NextRun() time.Time {
	n := s.next.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Scheduler) Describe() string {
	return s.describe
}

func (s *Scheduler) safeTick(ctx context.Context) {
	s.next.Store(0)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.tick(ctx)
	slog.Info("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}
