// Package schedule polls the task store and drives the task state machine:
// dispatching due tasks to the worker and applying retry/reschedule policy
// to reported results.
package schedule

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pubdesk/internal/eventbus"
	"pubdesk/internal/task"
	"pubdesk/internal/worker"
	logx "pubdesk/pkg/logx"
)

// Enqueuer is the worker-side intake. Split out so tests can capture
// dispatches without a real worker.
type Enqueuer interface {
	Enqueue(a worker.Action) error
}

type Config struct {
	PollInterval  time.Duration
	RetryCooldown time.Duration

	// DebugDir, when set, is swept daily; bundles older than DebugRetain
	// are removed.
	DebugDir    string
	DebugRetain time.Duration
}

type Service struct {
	log   logx.Logger
	store *task.Store
	enq   Enqueuer
	bus   eventbus.Bus
	cfg   Config
	now   func() time.Time

	mu sync.Mutex
	c  *cron.Cron
	wg sync.WaitGroup
}

func New(store *task.Store, enq Enqueuer, bus eventbus.Bus, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = 10 * time.Minute
	}
	if cfg.DebugRetain <= 0 {
		cfg.DebugRetain = 7 * 24 * time.Hour
	}
	return &Service{
		log:   log,
		store: store,
		enq:   enq,
		bus:   bus,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Start begins the poll loop. Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.PollInterval), s.Poll); err != nil {
		return fmt.Errorf("register poll job: %w", err)
	}
	if _, err := c.AddFunc("@daily", s.maintain); err != nil {
		return fmt.Errorf("register maintenance job: %w", err)
	}
	c.Start()
	s.c = c

	s.log.Info("scheduler started",
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.Duration("retry_cooldown", s.cfg.RetryCooldown))

	// Catch up immediately; tasks may have come due while stopped.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Poll()
	}()
	return nil
}

// Stop halts polling and waits for in-flight polls, including the catch-up
// poll Start kicked off, so nothing dispatches after Stop returns.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Poll dispatches every pending task whose schedule time has passed. Each
// task flips to running and persists before its action is enqueued, so a
// slow cycle can never dispatch the same task twice.
func (s *Service) Poll() {
	now := s.now()
	for _, t := range s.store.PendingDue(now) {
		s.dispatch(t, now)
	}
}

func (s *Service) dispatch(t task.ScheduledTask, now time.Time) {
	claimed := false
	err := s.store.Mutate(t.TaskID, func(cur *task.ScheduledTask) error {
		// Re-check under the lock; the snapshot may be stale.
		if !cur.Due(now) {
			return nil
		}
		cur.Status = task.StatusRunning
		claimed = true
		t = *cur
		return nil
	})
	if err != nil {
		s.log.Warn("dispatch claim failed", logx.String("task_id", t.TaskID), logx.Any("err", err))
		return
	}
	if !claimed {
		return
	}

	s.log.Info("task dispatched",
		logx.String("task_id", t.TaskID), logx.String("type", string(t.Type)))

	if err := s.enq.Enqueue(worker.NewScheduledPublish(t)); err != nil {
		// The handoff itself failed; apply the same policy as a
		// worker-reported failure.
		s.log.Warn("dispatch enqueue failed", logx.String("task_id", t.TaskID), logx.Any("err", err))
		s.HandleResult(t.TaskID, false, "dispatch failed: "+err.Error())
	}
}

// HandleResult is the worker's ResultSink. It applies the state machine:
// fixed success completes; hotspot success re-arms with the task's
// interval; failure retries after a cooldown until retries are exhausted.
// Unknown task ids (e.g. the task was removed mid-flight) are logged and
// ignored.
func (s *Service) HandleResult(taskID string, success bool, errMsg string) {
	now := s.now()
	var (
		terminalFail bool
		completed    bool
	)
	err := s.store.Mutate(taskID, func(t *task.ScheduledTask) error {
		if success {
			t.RetryCount = 0
			t.ErrorMessage = ""
			if t.Type == task.TypeHotspot && t.Interval() > 0 {
				// Rolling hotspot tasks re-arm from the success instant,
				// not the stale schedule time; a task that ran late must
				// not re-arm into the past.
				t.Status = task.StatusPending
				t.ScheduleTime = task.At(now.Add(t.Interval()))
				return nil
			}
			// Fixed tasks and hotspot tasks without a positive interval
			// are one-shot.
			t.Status = task.StatusCompleted
			t.CompletedAt = task.At(now)
			completed = true
			return nil
		}

		t.RetryCount++
		t.ErrorMessage = errMsg
		if t.RetryCount >= t.MaxRetries {
			t.Status = task.StatusFailed
			terminalFail = true
			return nil
		}
		t.Status = task.StatusPending
		t.ScheduleTime = task.At(now.Add(s.cfg.RetryCooldown))
		return nil
	})
	if err != nil {
		s.log.Warn("result for unknown task ignored",
			logx.String("task_id", taskID), logx.Bool("success", success), logx.Any("err", err))
		return
	}

	switch {
	case success && completed:
		s.log.Info("task completed", logx.String("task_id", taskID))
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTaskCompleted,
			Data: eventbus.TaskEvent{TaskID: taskID},
		})
	case success:
		s.log.Info("hotspot task re-armed", logx.String("task_id", taskID))
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTaskCompleted,
			Data: eventbus.TaskEvent{TaskID: taskID},
		})
	case terminalFail:
		s.log.Warn("task failed permanently",
			logx.String("task_id", taskID), logx.String("err", errMsg))
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTaskFailed,
			Data: eventbus.TaskEvent{TaskID: taskID, Error: errMsg},
		})
	default:
		s.log.Info("task will retry",
			logx.String("task_id", taskID),
			logx.Duration("cooldown", s.cfg.RetryCooldown),
			logx.String("err", errMsg))
	}
}

// maintain runs once a day: log a stats snapshot and sweep old debug
// bundles.
func (s *Service) maintain() {
	st := s.store.Stats()
	s.log.Info("task store stats",
		logx.Int("total", st.Total),
		logx.Int("pending", st.Pending),
		logx.Int("completed", st.Completed),
		logx.Int("failed", st.Failed))

	if s.cfg.DebugDir == "" {
		return
	}
	cutoff := s.now().Add(-s.cfg.DebugRetain)
	entries, err := os.ReadDir(s.cfg.DebugDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.cfg.DebugDir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Debug("debug bundle sweep failed", logx.String("path", path), logx.Any("err", err))
			}
		}
	}
}
