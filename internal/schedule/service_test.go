package schedule

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pubdesk/internal/eventbus"
	"pubdesk/internal/task"
	"pubdesk/internal/worker"
	logx "pubdesk/pkg/logx"
)

type captureQueue struct {
	mu      sync.Mutex
	actions []worker.Action
	err     error
}

func (q *captureQueue) Enqueue(a worker.Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.actions = append(q.actions, a)
	return nil
}

func (q *captureQueue) taskIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.actions))
	for i, a := range q.actions {
		out[i] = a.Task.TaskID
	}
	return out
}

func newTestService(t *testing.T, q Enqueuer, cooldown time.Duration) (*Service, *task.Store) {
	t.Helper()
	store, err := task.OpenStore(filepath.Join(t.TempDir(), "tasks.json"), logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	svc := New(store, q, eventbus.New(), Config{
		PollInterval:  time.Minute,
		RetryCooldown: cooldown,
	}, logx.Nop())
	return svc, store
}

func TestDueTaskDispatchedExactlyOnce(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	svc, store := newTestService(t, q, 10*time.Minute)

	id, err := store.Add(task.Spec{
		Title:        "due",
		Content:      "c",
		ScheduleTime: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	svc.Poll()
	svc.Poll() // second cycle while the task is still running

	if ids := q.taskIDs(); len(ids) != 1 || ids[0] != id {
		t.Fatalf("dispatched = %v", ids)
	}
	got, _ := store.Get(id)
	if got.Status != task.StatusRunning {
		t.Fatalf("Status = %s", got.Status)
	}
}

func TestFutureTaskNotDispatched(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	svc, store := newTestService(t, q, 10*time.Minute)

	if _, err := store.Add(task.Spec{
		Title:        "future",
		Content:      "c",
		ScheduleTime: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	svc.Poll()
	if len(q.taskIDs()) != 0 {
		t.Fatal("future task was dispatched")
	}
}

func TestFixedSuccessCompletes(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	svc, store := newTestService(t, q, 10*time.Minute)

	bus := svc.bus
	events, unsub := bus.Subscribe(4)
	defer unsub()

	id, _ := store.Add(task.Spec{Title: "t", Content: "c", ScheduleTime: time.Now().Add(-time.Second)})
	svc.Poll()

	svc.HandleResult(id, true, "")

	got, _ := store.Get(id)
	if got.Status != task.StatusCompleted {
		t.Fatalf("Status = %s", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("CompletedAt not set")
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeTaskCompleted {
			t.Fatalf("event = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestHotspotSuccessReArmsFromSuccessInstant(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	svc, store := newTestService(t, q, 10*time.Minute)

	now := time.Now().Truncate(time.Second)
	svc.now = func() time.Time { return now }

	// Scheduled far in the past, as after downtime. Re-arming from the
	// stale schedule time would land in the past and loop.
	id, _ := store.Add(task.Spec{
		Type:          task.TypeHotspot,
		Title:         "hot",
		Content:       "c",
		ScheduleTime:  now.Add(-6 * time.Hour),
		IntervalHours: 2,
	})
	svc.Poll()

	svc.HandleResult(id, true, "")

	got, _ := store.Get(id)
	if got.Status != task.StatusPending {
		t.Fatalf("Status = %s, want pending", got.Status)
	}
	want := now.Add(2 * time.Hour)
	if !got.ScheduleTime.Equal(want) {
		t.Fatalf("ScheduleTime = %v, want %v", got.ScheduleTime.Time, want)
	}
	if got.RetryCount != 0 {
		t.Fatalf("RetryCount = %d", got.RetryCount)
	}

	// The re-armed task is in the future; another poll must not touch it.
	svc.Poll()
	if ids := q.taskIDs(); len(ids) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(ids))
	}
}

func TestZeroIntervalHotspotCompletes(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	svc, store := newTestService(t, q, 10*time.Minute)

	id, _ := store.Add(task.Spec{
		Type:          task.TypeHotspot,
		Title:         "one-shot",
		Content:       "c",
		ScheduleTime:  time.Now().Add(-time.Second),
		IntervalHours: 0,
	})
	svc.Poll()
	svc.HandleResult(id, true, "")

	got, _ := store.Get(id)
	if got.Status != task.StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("CompletedAt not set")
	}

	// Completed means done: no further dispatches, ever.
	svc.Poll()
	if ids := q.taskIDs(); len(ids) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(ids))
	}
}

func TestFailureRetriesThenFailsTerminally(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	cooldown := 10 * time.Minute
	svc, store := newTestService(t, q, cooldown)

	events, unsub := svc.bus.Subscribe(8)
	defer unsub()

	id, _ := store.Add(task.Spec{
		Title:        "flaky",
		Content:      "c",
		ScheduleTime: time.Now().Add(-time.Second),
		MaxRetries:   3,
	})

	for attempt := 1; attempt <= 3; attempt++ {
		svc.Poll()
		// Force the task due again for the next cycle regardless of cooldown.
		svc.HandleResult(id, false, "publish failed")

		got, _ := store.Get(id)
		if attempt < 3 {
			if got.Status != task.StatusPending {
				t.Fatalf("attempt %d: Status = %s", attempt, got.Status)
			}
			if got.RetryCount != attempt {
				t.Fatalf("attempt %d: RetryCount = %d", attempt, got.RetryCount)
			}
			// Cooldown applied.
			if got.ScheduleTime.Before(time.Now().Add(cooldown - time.Minute)) {
				t.Fatalf("attempt %d: cooldown not applied: %v", attempt, got.ScheduleTime.Time)
			}
			// Pull it back to due for the next iteration.
			if err := store.Mutate(id, func(cur *task.ScheduledTask) error {
				cur.ScheduleTime = task.At(time.Now().Add(-time.Second))
				return nil
			}); err != nil {
				t.Fatalf("rewind: %v", err)
			}
		}
	}

	got, _ := store.Get(id)
	if got.Status != task.StatusFailed {
		t.Fatalf("final Status = %s", got.Status)
	}
	if got.ErrorMessage != "publish failed" {
		t.Fatalf("ErrorMessage = %q", got.ErrorMessage)
	}
	if got.RetryCount != 3 {
		t.Fatalf("RetryCount = %d", got.RetryCount)
	}

	sawFailed := false
	for !sawFailed {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeTaskFailed {
				sawFailed = true
			}
		case <-time.After(time.Second):
			t.Fatal("no terminal failure event")
		}
	}
}

func TestUnknownTaskResultIgnored(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	svc, _ := newTestService(t, q, 10*time.Minute)

	// Must not panic or error out.
	svc.HandleResult("task_unknown", true, "")
	svc.HandleResult("task_unknown", false, "boom")
}

func TestEnqueueErrorAppliesFailurePolicy(t *testing.T) {
	t.Parallel()
	q := &captureQueue{err: errors.New("queue full")}
	svc, store := newTestService(t, q, 10*time.Minute)

	id, _ := store.Add(task.Spec{
		Title:        "t",
		Content:      "c",
		ScheduleTime: time.Now().Add(-time.Second),
	})
	svc.Poll()

	got, _ := store.Get(id)
	if got.Status != task.StatusPending {
		t.Fatalf("Status = %s, want pending retry", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("RetryCount = %d", got.RetryCount)
	}
	if got.ErrorMessage == "" {
		t.Fatal("ErrorMessage empty")
	}
}

func TestStopWaitsForCatchUpPoll(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	svc, store := newTestService(t, q, 10*time.Minute)

	if _, err := store.Add(task.Spec{
		Title:        "due",
		Content:      "c",
		ScheduleTime: time.Now().Add(-time.Second),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop()

	// Anything the catch-up poll dispatched landed before Stop returned.
	n := len(q.taskIDs())
	time.Sleep(50 * time.Millisecond)
	if got := len(q.taskIDs()); got != n {
		t.Fatalf("dispatch after Stop: %d -> %d", n, got)
	}
}

func TestRemovedMidFlightTaskResultIgnored(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	svc, store := newTestService(t, q, 10*time.Minute)

	id, _ := store.Add(task.Spec{
		Title:        "gone",
		Content:      "c",
		ScheduleTime: time.Now().Add(-time.Second),
	})
	svc.Poll()
	store.Remove(id)

	svc.HandleResult(id, true, "")
	if _, ok := store.Get(id); ok {
		t.Fatal("removed task resurrected")
	}
}
