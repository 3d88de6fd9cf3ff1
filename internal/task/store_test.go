package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "pubdesk/pkg/logx"
)

func openTestStore(t *testing.T, opts ...StoreOption) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	s, err := OpenStore(path, logx.Nop(), opts...)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return s, path
}

func TestAddListRemove(t *testing.T) {
	t.Parallel()
	s, path := openTestStore(t)

	id, err := s.Add(Spec{
		Title:        "morning post",
		Content:      "hello",
		ScheduleTime: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" {
		t.Fatal("empty task id")
	}

	tasks := s.List()
	if len(tasks) != 1 {
		t.Fatalf("List = %d tasks", len(tasks))
	}
	got := tasks[0]
	if got.Status != StatusPending || got.Type != TypeFixed {
		t.Fatalf("task = %+v", got)
	}
	if got.MaxRetries != DefaultMaxRetries {
		t.Fatalf("MaxRetries = %d", got.MaxRetries)
	}

	// Persisted on the spot.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	var onDisk []ScheduledTask
	if err := json.Unmarshal(b, &onDisk); err != nil {
		t.Fatalf("decode store file: %v", err)
	}
	if len(onDisk) != 1 || onDisk[0].TaskID != id {
		t.Fatalf("on disk = %+v", onDisk)
	}

	if !s.Remove(id) {
		t.Fatal("Remove returned false")
	}
	if s.Remove(id) {
		t.Fatal("second Remove returned true")
	}
	if len(s.List()) != 0 {
		t.Fatal("task still listed after remove")
	}
}

func TestTaskIDCollisionRegenerates(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	s, _ := openTestStore(t, WithClock(func() time.Time { return fixed }))

	a, err := s.Add(Spec{Title: "same", Content: "same"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := s.Add(Spec{Title: "same", Content: "same"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a == b {
		t.Fatalf("duplicate task id %q", a)
	}
}

func TestReloadResumesRunningAsPending(t *testing.T) {
	t.Parallel()
	s, path := openTestStore(t)

	id, err := s.Add(Spec{Title: "t", Content: "c"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Mutate(id, func(task *ScheduledTask) error {
		task.Status = StatusRunning
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	reopened, err := OpenStore(path, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get(id)
	if !ok {
		t.Fatal("task missing after reload")
	}
	if got.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", got.Status)
	}
}

func TestCorruptStoreStartsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	s, err := OpenStore(path, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatal("expected empty store")
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Fatalf("corrupt backup missing: %v", err)
	}
}

func TestPendingDueAndUpcoming(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	now := time.Now()

	due, err := s.Add(Spec{Title: "due", Content: "a", ScheduleTime: now.Add(-time.Second)})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	later, err := s.Add(Spec{Title: "later", Content: "b", ScheduleTime: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := s.PendingDue(now)
	if len(got) != 1 || got[0].TaskID != due {
		t.Fatalf("PendingDue = %+v", got)
	}

	// The overdue task is outside the upcoming window; the one scheduled
	// in an hour is right on its edge.
	up := s.Upcoming(now, time.Hour+time.Second)
	if len(up) != 1 || up[0].TaskID != later {
		t.Fatalf("Upcoming = %+v", up)
	}
	if short := s.Upcoming(now, time.Minute); len(short) != 0 {
		t.Fatalf("Upcoming(1m) = %+v", short)
	}
}

func TestClearCompleted(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)

	done, _ := s.Add(Spec{Title: "done", Content: "x"})
	keep, _ := s.Add(Spec{Title: "keep", Content: "y"})
	if err := s.Mutate(done, func(task *ScheduledTask) error {
		task.Status = StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	if n := s.ClearCompleted(); n != 1 {
		t.Fatalf("ClearCompleted = %d", n)
	}
	if _, ok := s.Get(done); ok {
		t.Fatal("completed task still present")
	}
	if _, ok := s.Get(keep); !ok {
		t.Fatal("pending task was removed")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)

	a, _ := s.Add(Spec{Title: "a", Content: "1"})
	_, _ = s.Add(Spec{Title: "b", Content: "2"})
	_ = s.Mutate(a, func(task *ScheduledTask) error {
		task.Status = StatusFailed
		return nil
	})

	st := s.Stats()
	if st.Total != 2 || st.Pending != 1 || st.Failed != 1 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestExportImport(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	id, _ := s.Add(Spec{Title: "exported", Content: "c"})

	exportPath := filepath.Join(t.TempDir(), "export.json")
	if err := s.Export(exportPath); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst, _ := openTestStore(t)
	n, err := dst.Import(exportPath)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 1 {
		t.Fatalf("Import = %d", n)
	}
	if _, ok := dst.Get(id); !ok {
		t.Fatal("imported task missing")
	}

	// Re-import is a no-op.
	if n, _ := dst.Import(exportPath); n != 0 {
		t.Fatalf("second Import = %d", n)
	}
}

func TestAssetStaging(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	cover := filepath.Join(srcDir, "cover.png")
	body := filepath.Join(srcDir, "body.jpg")
	for _, p := range []string{cover, body} {
		if err := os.WriteFile(p, []byte("img"), 0o644); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}

	assetRoot := filepath.Join(t.TempDir(), "scheduled_assets")
	s, _ := openTestStore(t, WithAssetRoot(assetRoot))

	id, err := s.Add(Spec{
		Title:   "with images",
		Content: "c",
		Images:  []string{cover, "/nonexistent/gone.png", body},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, _ := s.Get(id)
	want := []string{
		filepath.Join(assetRoot, id, "cover.png"),
		filepath.Join(assetRoot, id, "content_1.jpg"),
	}
	if len(got.Images) != len(want) {
		t.Fatalf("Images = %v", got.Images)
	}
	for i := range want {
		if got.Images[i] != want[i] {
			t.Fatalf("Images[%d] = %q, want %q", i, got.Images[i], want[i])
		}
		if _, err := os.Stat(want[i]); err != nil {
			t.Fatalf("staged file missing: %v", err)
		}
	}

	// Removing the task removes the asset dir.
	s.Remove(id)
	if _, err := os.Stat(filepath.Join(assetRoot, id)); !os.IsNotExist(err) {
		t.Fatal("asset dir survived task removal")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()
	orig := At(time.Date(2026, 5, 4, 9, 30, 0, 0, time.Local))
	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"2026-05-04 09:30:00"` {
		t.Fatalf("encoded = %s", b)
	}
	var back Time
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(orig.Time) {
		t.Fatalf("round trip: %v != %v", back, orig)
	}
}
