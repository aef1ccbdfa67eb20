package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueuePriorityOrder(t *testing.T) {
	q := newQueue(10)
	now := time.Now()

	_ = q.push(&item{name: "low", priority: PriorityLow})
	_ = q.push(&item{name: "high", priority: PriorityHigh})
	_ = q.push(&item{name: "medium", priority: PriorityMedium})

	want := []string{"high", "medium", "low"}
	for _, name := range want {
		it := q.pop(now)
		if it == nil || it.name != name {
			t.Fatalf("pop = %v, want %s", it, name)
		}
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newQueue(10)
	now := time.Now()

	_ = q.push(&item{name: "a", args: "1", priority: PriorityHigh})
	_ = q.push(&item{name: "a", args: "2", priority: PriorityHigh})

	if it := q.pop(now); it.args != "1" {
		t.Errorf("first pop args = %s, want 1", it.args)
	}
	if it := q.pop(now); it.args != "2" {
		t.Errorf("second pop args = %s, want 2", it.args)
	}
}

func TestQueueDeduplicates(t *testing.T) {
	q := newQueue(10)

	_ = q.push(&item{name: "extract", args: "batch"})
	_ = q.push(&item{name: "extract", args: "batch"})
	_ = q.push(&item{name: "extract", args: "other"})

	if q.len() != 2 {
		t.Errorf("queue length = %d, want 2 after dedupe", q.len())
	}
}

func TestQueueCapacity(t *testing.T) {
	q := newQueue(2)

	_ = q.push(&item{name: "a"})
	_ = q.push(&item{name: "b"})
	err := q.push(&item{name: "c"})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("push over cap = %v, want ErrQueueFull", err)
	}
}

func TestQueueHonorsNotBefore(t *testing.T) {
	q := newQueue(10)
	now := time.Now()

	_ = q.push(&item{name: "later", notBefore: now.Add(time.Minute)})
	if it := q.pop(now); it != nil {
		t.Errorf("popped item before its notBefore: %v", it)
	}
	if it := q.pop(now.Add(2 * time.Minute)); it == nil {
		t.Error("item never became eligible")
	}
}

func TestActivityTrackerQuietThreshold(t *testing.T) {
	a := NewActivityTracker(50 * time.Millisecond)
	a.Pulse()
	if a.IsQuiet() {
		t.Error("quiet immediately after pulse")
	}
	time.Sleep(60 * time.Millisecond)
	if !a.IsQuiet() {
		t.Error("not quiet after threshold elapsed")
	}
}

func TestExecuteRequeuesWhenNotQuiet(t *testing.T) {
	activity := NewActivityTracker(time.Hour)
	activity.Pulse()
	m := NewManager(Config{}, activity, nil, nil)

	var runs atomic.Int32
	if err := m.Register(&Task{
		Name:          "quiet_task",
		RequiresQuiet: true,
		Run: func(ctx context.Context, args string) error {
			runs.Add(1)
			return nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.execute(context.Background(), &item{name: "quiet_task"})
	if runs.Load() != 0 {
		t.Error("quiet-gated task ran while user active")
	}
	if m.queue.len() != 1 {
		t.Errorf("queue length = %d, want requeued item", m.queue.len())
	}
	// The requeued item must not be eligible immediately.
	if it := m.queue.pop(time.Now()); it != nil {
		t.Error("requeued item eligible before the quiet delay")
	}
}

func TestExecuteRetriesWithBackoffThenFailsPermanently(t *testing.T) {
	m := NewManager(Config{}, NewActivityTracker(0), nil, nil)

	var runs atomic.Int32
	if err := m.Register(&Task{
		Name:       "flaky",
		MaxRetries: 2,
		Run: func(ctx context.Context, args string) error {
			runs.Add(1)
			return errors.New("boom")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	it := &item{name: "flaky"}
	m.execute(context.Background(), it) // attempt 1 → requeued
	if m.queue.len() != 1 {
		t.Fatalf("queue length = %d after first failure, want 1", m.queue.len())
	}
	it = m.queue.pop(time.Now().Add(time.Hour))
	m.execute(context.Background(), it) // attempt 2 → requeued
	it = m.queue.pop(time.Now().Add(time.Hour))
	m.execute(context.Background(), it) // attempt 3 → permanent failure
	if m.queue.len() != 0 {
		t.Errorf("queue length = %d after permanent failure, want 0", m.queue.len())
	}
	if runs.Load() != 3 {
		t.Errorf("task ran %d times, want 3", runs.Load())
	}
}

func TestRegisterRejectsDuplicatesAndBadCron(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil)
	task := &Task{Name: "t", Run: func(context.Context, string) error { return nil }}
	if err := m.Register(task); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(task); err == nil {
		t.Error("duplicate registration accepted")
	}
	bad := &Task{Name: "bad", Cron: "not a cron", Run: func(context.Context, string) error { return nil }}
	if err := m.Register(bad); err == nil {
		t.Error("invalid cron accepted")
	}
}

func TestEnqueueUnknownTask(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil)
	if err := m.Enqueue("ghost", ""); err == nil {
		t.Error("enqueue of unregistered task accepted")
	}
}

func TestSchedulerEnqueuesDueTasks(t *testing.T) {
	m := NewManager(Config{}, NewActivityTracker(0), nil, nil)
	if err := m.Register(&Task{
		Name:     "periodic",
		Interval: time.Minute,
		Run:      func(context.Context, string) error { return nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Not due yet.
	m.enqueueDue(time.Now())
	if m.queue.len() != 0 {
		t.Errorf("queue length = %d before due time, want 0", m.queue.len())
	}
	// Past due.
	m.enqueueDue(time.Now().Add(2 * time.Minute))
	if m.queue.len() != 1 {
		t.Errorf("queue length = %d after due time, want 1", m.queue.len())
	}
}
