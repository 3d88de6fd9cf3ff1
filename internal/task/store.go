package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	logx "pubdesk/pkg/logx"
)

var (
	ErrNotFound = errors.New("task not found")
)

// Store is the durable task registry. State lives in memory; every mutation
// rewrites the backing JSON file atomically (tmp + rename).
type Store struct {
	log  logx.Logger
	path string

	// assetRoot, when set, is where task images are staged at creation.
	assetRoot string

	mu    sync.Mutex
	tasks []*ScheduledTask
	byID  map[string]*ScheduledTask

	now func() time.Time
}

type StoreOption func(*Store)

// WithAssetRoot enables image staging under root/<task_id>/.
func WithAssetRoot(root string) StoreOption {
	return func(s *Store) { s.assetRoot = root }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// OpenStore loads the store file if present. A corrupt file is moved aside
// and the store starts empty rather than failing startup.
func OpenStore(path string, log logx.Logger, opts ...StoreOption) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		log:  log,
		path: path,
		byID: map[string]*ScheduledTask{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read store: %w", err)
	}

	var tasks []*ScheduledTask
	if err := json.Unmarshal(b, &tasks); err != nil {
		backup := path + ".corrupt"
		_ = os.Rename(path, backup)
		log.Warn("task store unreadable; starting empty",
			logx.String("path", path),
			logx.String("backup", backup),
			logx.Any("err", err),
		)
		return s, nil
	}

	for _, t := range tasks {
		if t == nil || t.TaskID == "" {
			continue
		}
		if _, dup := s.byID[t.TaskID]; dup {
			log.Warn("duplicate task id in store; keeping first", logx.String("task_id", t.TaskID))
			continue
		}
		// A task mid-flight when the process died is resumed as pending.
		if t.Status == StatusRunning {
			t.Status = StatusPending
		}
		s.tasks = append(s.tasks, t)
		s.byID[t.TaskID] = t
	}
	return s, nil
}

// Add creates a task from spec, stages its images, persists, and returns
// the new task's id.
func (s *Store) Add(spec Spec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := newTask(spec, now)
	// Regenerate on the rare same-second same-content collision.
	for _, taken := s.byID[t.TaskID]; taken; _, taken = s.byID[t.TaskID] {
		now = now.Add(time.Second)
		t.TaskID = NewTaskID(now, spec.Title, spec.Content)
	}

	if s.assetRoot != "" && len(t.Images) > 0 {
		staged, err := stageAssets(s.assetRoot, t.TaskID, t.Images, s.log)
		if err != nil {
			s.log.Warn("asset staging incomplete; keeping source paths",
				logx.String("task_id", t.TaskID), logx.Any("err", err))
		}
		if len(staged) > 0 {
			t.Images = staged
		}
	}

	s.tasks = append(s.tasks, t)
	s.byID[t.TaskID] = t
	if err := s.saveLocked(); err != nil {
		return "", err
	}
	s.log.Info("task added",
		logx.String("task_id", t.TaskID),
		logx.String("type", string(t.Type)),
		logx.Time("schedule_time", t.ScheduleTime.Time),
	)
	return t.TaskID, nil
}

// Remove deletes a task and its asset directory. Returns false when the id
// is unknown.
func (s *Store) Remove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[taskID]
	if !ok {
		return false
	}
	delete(s.byID, taskID)
	for i, cur := range s.tasks {
		if cur == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			break
		}
	}
	if s.assetRoot != "" {
		removeAssets(s.assetRoot, taskID, s.log)
	}
	if err := s.saveLocked(); err != nil {
		s.log.Warn("persist after remove failed", logx.String("task_id", taskID), logx.Any("err", err))
	}
	return true
}

// List returns copies of all tasks ordered by schedule time.
func (s *Store) List() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduleTime.Before(out[j].ScheduleTime.Time)
	})
	return out
}

// Get returns a copy of one task.
func (s *Store) Get(taskID string) (ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok {
		return ScheduledTask{}, false
	}
	return *t.clone(), true
}

// ClearCompleted removes all completed tasks (and their assets) and returns
// how many were removed.
func (s *Store) ClearCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tasks[:0]
	removed := 0
	for _, t := range s.tasks {
		if t.Status == StatusCompleted {
			delete(s.byID, t.TaskID)
			if s.assetRoot != "" {
				removeAssets(s.assetRoot, t.TaskID, s.log)
			}
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.tasks = kept
	if removed > 0 {
		if err := s.saveLocked(); err != nil {
			s.log.Warn("persist after clear failed", logx.Any("err", err))
		}
	}
	return removed
}

// PendingDue returns copies of every pending task whose schedule time has
// passed.
func (s *Store) PendingDue(now time.Time) []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ScheduledTask
	for _, t := range s.tasks {
		if t.Due(now) {
			out = append(out, *t.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduleTime.Before(out[j].ScheduleTime.Time)
	})
	return out
}

// Upcoming returns pending tasks scheduled inside [now, now+within],
// soonest first. Already-due tasks are PendingDue's business.
func (s *Store) Upcoming(now time.Time, within time.Duration) []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := now.Add(within)
	var out []ScheduledTask
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		if t.ScheduleTime.Before(now) || t.ScheduleTime.After(horizon) {
			continue
		}
		out = append(out, *t.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduleTime.Before(out[j].ScheduleTime.Time)
	})
	return out
}

// Mutate applies fn to the task under the store lock and persists the
// result. fn receives the live task; returning an error aborts without
// persisting.
func (s *Store) Mutate(taskID string, fn func(*ScheduledTask) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err := fn(t); err != nil {
		return err
	}
	t.UpdatedAt = At(s.now())
	return s.saveLocked()
}

// Stats summarizes the store by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// Export writes all tasks as a JSON array to path.
func (s *Store) Export(path string) error {
	s.mu.Lock()
	b, err := json.MarshalIndent(s.tasks, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Import merges tasks from a previously exported file. Tasks whose id
// already exists are skipped. Returns how many were imported.
func (s *Store) Import(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var tasks []*ScheduledTask
	if err := json.Unmarshal(b, &tasks); err != nil {
		return 0, fmt.Errorf("decode import: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, t := range tasks {
		if t == nil || t.TaskID == "" {
			continue
		}
		if _, exists := s.byID[t.TaskID]; exists {
			continue
		}
		if t.Status == StatusRunning {
			t.Status = StatusPending
		}
		s.tasks = append(s.tasks, t)
		s.byID[t.TaskID] = t
		added++
	}
	if added > 0 {
		if err := s.saveLocked(); err != nil {
			return added, err
		}
	}
	return added, nil
}

func (s *Store) saveLocked() error {
	b, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write store tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit store: %w", err)
	}
	return nil
}
