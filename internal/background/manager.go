package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ensembleai/ensemble/internal/observability"
)

// cronParser accepts standard 5-field expressions plus descriptors like
// @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

const (
	defaultWorkers      = 2
	defaultTick         = 10 * time.Second
	defaultTimeout      = 300 * time.Second
	defaultMaxRetries   = 3
	quietRequeueDelay   = 30 * time.Second
	retryBackoffBase    = time.Second
)

// Task is a registered unit of background work.
type Task struct {
	// Name is unique across the manager.
	Name string

	Priority Priority

	// Interval schedules periodic runs; zero means on-demand only.
	Interval time.Duration

	// Cron overrides Interval with a cron/v3 expression when set.
	Cron string

	// RequiresQuiet defers the run while the user is active.
	RequiresQuiet bool

	// Timeout bounds one run. Zero means the 300s default.
	Timeout time.Duration

	// MaxRetries before the failure becomes permanent. Zero means 3.
	MaxRetries int

	// Run does the work. Args is the opaque string passed at enqueue
	// time, empty for scheduled runs.
	Run func(ctx context.Context, args string) error
}

// registered pairs a task with its scheduling state.
type registered struct {
	task     *Task
	schedule cron.Schedule // nil when interval-based
	nextRun  time.Time
}

// Config tunes the manager.
type Config struct {
	Workers        int
	QueueCap       int
	Tick           time.Duration
	QuietThreshold time.Duration
}

// Manager owns the queue, the worker pool, and the periodic scheduler.
type Manager struct {
	config   Config
	queue    *queue
	activity *ActivityTracker
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*registered
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a stopped manager. Metrics may be nil.
func NewManager(config Config, activity *ActivityTracker, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.Tick <= 0 {
		config.Tick = defaultTick
	}
	if activity == nil {
		activity = NewActivityTracker(config.QuietThreshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   config,
		queue:    newQueue(config.QueueCap),
		activity: activity,
		metrics:  metrics,
		logger:   logger.With("component", "background"),
		tasks:    make(map[string]*registered),
	}
}

// Activity exposes the tracker so channels can pulse it.
func (m *Manager) Activity() *ActivityTracker { return m.activity }

// Register adds a task definition. Duplicate names are an error.
func (m *Manager) Register(task *Task) error {
	if task == nil || task.Name == "" || task.Run == nil {
		return fmt.Errorf("background: task needs a name and a run function")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.Name]; exists {
		return fmt.Errorf("background: task %q already registered", task.Name)
	}
	reg := &registered{task: task}
	if task.Cron != "" {
		schedule, err := cronParser.Parse(task.Cron)
		if err != nil {
			return fmt.Errorf("background: task %q cron: %w", task.Name, err)
		}
		reg.schedule = schedule
		reg.nextRun = schedule.Next(time.Now())
	} else if task.Interval > 0 {
		reg.nextRun = time.Now().Add(task.Interval)
	}
	m.tasks[task.Name] = reg
	return nil
}

// Lookup returns a registered task definition.
func (m *Manager) Lookup(name string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.tasks[name]
	if !ok {
		return nil, false
	}
	return reg.task, true
}

// Enqueue schedules one run of a registered task. Duplicate pending
// (name, args) pairs collapse into one.
func (m *Manager) Enqueue(name, args string) error {
	m.mu.Lock()
	reg, ok := m.tasks[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("background: unknown task %q", name)
	}
	return m.queue.push(&item{name: name, args: args, priority: reg.task.Priority})
}

// Start launches the workers and the scheduler loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker(runCtx)
	}
	m.wg.Add(1)
	go m.schedule(runCtx)
	m.logger.Info("background manager started", "workers", m.config.Workers)
	return nil
}

// Stop cancels all workers and waits for in-flight runs to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("background manager stopped")
}

// schedule ticks and enqueues due periodic tasks.
func (m *Manager) schedule(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.enqueueDue(now)
		}
	}
}

func (m *Manager) enqueueDue(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, reg := range m.tasks {
		if reg.nextRun.IsZero() || reg.nextRun.After(now) {
			continue
		}
		if err := m.queue.push(&item{name: name, priority: reg.task.Priority}); err != nil {
			m.logger.Warn("scheduled enqueue dropped", "task", name, "error", err)
		}
		if reg.schedule != nil {
			reg.nextRun = reg.schedule.Next(now)
		} else {
			reg.nextRun = now.Add(reg.task.Interval)
		}
	}
}

// worker pops and executes eligible items.
func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		it := m.queue.pop(time.Now())
		if it == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		m.execute(ctx, it)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) execute(ctx context.Context, it *item) {
	m.mu.Lock()
	reg, ok := m.tasks[it.name]
	m.mu.Unlock()
	if !ok {
		return
	}
	task := reg.task

	if task.RequiresQuiet && !m.activity.IsQuiet() {
		it.notBefore = time.Now().Add(quietRequeueDelay)
		m.queue.requeue(it)
		m.countRun(task.Name, "requeued")
		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	err := task.Run(runCtx, it.args)
	cancel()

	if err == nil {
		m.countRun(task.Name, "success")
		return
	}

	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	it.attempt++
	if it.attempt <= maxRetries {
		backoff := retryBackoffBase << uint(it.attempt)
		it.notBefore = time.Now().Add(backoff)
		m.queue.requeue(it)
		m.countRun(task.Name, "error")
		m.logger.Warn("background task failed, retrying",
			"task", task.Name, "attempt", it.attempt, "backoff", backoff, "error", err)
		return
	}

	m.countRun(task.Name, "error")
	if m.metrics != nil {
		m.metrics.BackgroundTaskFailures.WithLabelValues(task.Name).Inc()
	}
	m.logger.Error("background task failed permanently",
		"task", task.Name, "attempts", it.attempt, "error", err)
}

func (m *Manager) countRun(task, status string) {
	if m.metrics != nil {
		m.metrics.BackgroundTaskRuns.WithLabelValues(task, status).Inc()
	}
}
