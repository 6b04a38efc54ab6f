package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dtroode/custodian/internal/logger"
	"github.com/dtroode/custodian/internal/metrics"
	"github.com/dtroode/custodian/internal/model"
)

const (
	DefaultRunTimeout = 5 * time.Minute

	// Result recorded when another replica held the job lock.
	resultSkippedLocked = "skipped: locked elsewhere"
)

type Manager struct {
	jobs sync.Map

	logger  *logger.Logger
	locker  model.Locker
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time

	wg sync.WaitGroup
}

type Option func(*Manager)

// WithLocker makes every run take a named lock first, so only one replica
// runs a job per tick.
func WithLocker(l model.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithRunTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func NewManager(logger *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:  logger,
		timeout: DefaultRunTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a job. Jobs with a positive interval are ticked once Start
// is called; others only run through Trigger.
func (m *Manager) Register(name string, interval time.Duration, fn JobFunc, opts ...JobOption) {
	j := &job{
		name:         name,
		interval:     interval,
		handler:      fn,
		registeredAt: m.now(),
	}
	for _, opt := range opts {
		opt(j)
	}
	m.jobs.Store(name, j)
}

// Start ticks every periodic job until ctx is done, then waits for in-flight
// runs to return.
func (m *Manager) Start(ctx context.Context) error {
	m.jobs.Range(func(_, value any) bool {
		j := value.(*job)
		if j.interval <= 0 {
			return true
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.tick(ctx, j)
		}()
		return true
	})

	<-ctx.Done()
	m.wg.Wait()
	return nil
}

func (m *Manager) tick(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.run(ctx, j)
		}
	}
}

// Trigger runs the named job once, synchronously.
func (m *Manager) Trigger(ctx context.Context, name string) error {
	v, ok := m.jobs.Load(name)
	if !ok {
		return JobNotFoundError{Name: name}
	}
	return m.run(ctx, v.(*job))
}

func (m *Manager) ListStatus() []JobStatus {
	list := make([]JobStatus, 0)
	m.jobs.Range(func(_, value any) bool {
		list = append(list, value.(*job).status())
		return true
	})
	sort.Slice(list, func(i, k int) bool { return list[i].Name < list[k].Name })
	return list
}

func (m *Manager) run(ctx context.Context, j *job) error {
	l := m.logger.With("job", j.name)

	if !j.begin() {
		l.Warn("Scheduler: job is already running, skipping execution")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if m.locker != nil && !j.local {
		unlock, acquired, err := m.locker.TryLock(ctx, j.name, m.timeout)
		if err != nil {
			l.Error("Scheduler: failed to acquire job lock", "error", err.Error())
			m.metrics.JobRun(j.name, err)
			j.finish(resultOf(err), m.now())
			return err
		}
		if !acquired {
			l.Debug("Scheduler: job is locked by another replica")
			j.finish(resultSkippedLocked, m.now())
			return nil
		}
		defer func() {
			// The run context may be gone already.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				l.Warn("Scheduler: failed to release job lock", "error", err.Error())
			}
		}()
	}

	start := m.now()
	err := j.handler(ctx)
	duration := m.now().Sub(start)

	m.metrics.JobRun(j.name, err)
	j.finish(resultOf(err), m.now())

	if err != nil {
		l.Error("Scheduler: job failed", "duration", duration, "error", err.Error())
		return err
	}
	l.Info("Scheduler: job completed", "duration", duration)
	return nil
}
