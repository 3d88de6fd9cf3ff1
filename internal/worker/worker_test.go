package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pubdesk/internal/config"
	"pubdesk/internal/content"
	"pubdesk/internal/eventbus"
	"pubdesk/internal/session"
	"pubdesk/internal/task"
	"pubdesk/internal/user"
	logx "pubdesk/pkg/logx"
)

type fakeBrowser struct {
	mu       sync.Mutex
	loggedIn bool
	closed   bool
	onClose  func()
}

func (f *fakeBrowser) Navigate(context.Context, string) error          { return nil }
func (f *fakeBrowser) CurrentURL(context.Context) (string, error)      { return "about:blank", nil }
func (f *fakeBrowser) Cookies(context.Context) ([]session.Cookie, error) {
	return []session.Cookie{{Name: "sid", Domain: ".xiaohongshu.com"}}, nil
}
func (f *fakeBrowser) SetCookies(context.Context, []session.Cookie) error { return nil }
func (f *fakeBrowser) ClearCookies(context.Context) error                 { return nil }
func (f *fakeBrowser) StorageState(context.Context) (session.StorageState, error) {
	return session.StorageState{}, nil
}
func (f *fakeBrowser) RestoreStorage(context.Context, session.StorageState) error { return nil }
func (f *fakeBrowser) OnAuthFault(func(string))                                   {}
func (f *fakeBrowser) Screenshot(context.Context) ([]byte, error)                 { return []byte("p"), nil }
func (f *fakeBrowser) HTML(context.Context) (string, error)                       { return "<html/>", nil }

func (f *fakeBrowser) ProbeStatus(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loggedIn {
		return 200, nil
	}
	return 401, nil
}

func (f *fakeBrowser) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		if f.onClose != nil {
			f.onClose()
		}
	}
	return nil
}

type fakeEngine struct {
	mu       sync.Mutex
	loggedIn bool
	browsers []*fakeBrowser
	live     int
	maxLive  int
}

func (e *fakeEngine) launch() (session.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := &fakeBrowser{loggedIn: e.loggedIn, onClose: e.noteClosed}
	e.browsers = append(e.browsers, b)
	e.live++
	if e.live > e.maxLive {
		e.maxLive = e.live
	}
	return b, nil
}

func (e *fakeEngine) noteClosed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live--
}

func (e *fakeEngine) maxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxLive
}

func (e *fakeEngine) LaunchPersistent(context.Context, session.LaunchSpec) (session.Browser, error) {
	return e.launch()
}
func (e *fakeEngine) Launch(context.Context, session.LaunchSpec) (session.Browser, error) {
	return e.launch()
}

func (e *fakeEngine) launchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.browsers)
}

type fakePublisher struct {
	mu      sync.Mutex
	posts   []session.Post
	err     error
	panicOn string
}

func (p *fakePublisher) PostArticle(_ context.Context, _ session.Browser, post session.Post) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOn != "" && post.Title == p.panicOn {
		panic("publisher blew up")
	}
	p.posts = append(p.posts, post)
	return p.err
}

func (p *fakePublisher) titles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.posts))
	for i, post := range p.posts {
		out[i] = post.Title
	}
	return out
}

type result struct {
	taskID  string
	success bool
	msg     string
}

type harness struct {
	worker  *Worker
	engine  *fakeEngine
	pub     *fakePublisher
	users   *user.Registry
	bus     eventbus.Bus
	results chan result
	dataDir string
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	dataDir := t.TempDir()
	exe := filepath.Join(dataDir, "chrome")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("fake executable: %v", err)
	}

	users, err := user.OpenRegistry(filepath.Join(dataDir, "users.db"), logx.Nop())
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	t.Cleanup(func() { _ = users.Close() })

	eng := &fakeEngine{loggedIn: true}
	pub := &fakePublisher{}
	bus := eventbus.New()
	results := make(chan result, 16)

	opts := Options{
		Log:       logx.Nop(),
		Bus:       bus,
		Users:     users,
		Engine:    eng,
		Publisher: pub,
		DataDir:   dataDir,
		QueueSize: 16,
		IdleSleep: time.Millisecond,
		Session: config.SessionConfig{
			ExecutablePath:     exe,
			LoginTimeout:       "1s",
			ManualLoginTimeout: "50ms",
		},
		Results: func(taskID string, success bool, msg string) {
			results <- result{taskID, success, msg}
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	w, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{worker: w, engine: eng, pub: pub, users: users, bus: bus, results: results, dataDir: dataDir}
}

func (h *harness) user(t *testing.T, phone string) user.User {
	t.Helper()
	u, err := h.users.EnsureUser(context.Background(), phone)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	return u
}

func (h *harness) waitResult(t *testing.T) result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for result")
		return result{}
	}
}

func publishTask(u user.User, title string) task.ScheduledTask {
	return task.ScheduledTask{
		TaskID:  "task_1_" + title,
		UserID:  u.ID,
		Type:    task.TypeFixed,
		Status:  task.StatusRunning,
		Title:   title,
		Content: "body",
	}
}

func TestPublishActionsRunInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	u := h.user(t, "13800000001")

	for _, title := range []string{"first", "second", "third"} {
		if err := h.worker.Enqueue(NewScheduledPublish(publishTask(u, title))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		r := h.waitResult(t)
		if !r.success {
			t.Fatalf("result %d failed: %s", i, r.msg)
		}
		got = append(got, strings.TrimPrefix(r.taskID, "task_1_"))
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if titles := h.pub.titles(); len(titles) != 3 || titles[0] != "first" {
		t.Fatalf("publisher order = %v", titles)
	}
}

func TestLoginActionKeepsSessionLive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	if err := h.worker.Enqueue(NewLogin("13800000002")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeLoginStatus {
				continue
			}
			st := ev.Data.(eventbus.StatusEvent)
			if st.Enabled && strings.HasPrefix(st.Text, "logged in as") {
				goto loggedIn
			}
			if st.Enabled && strings.HasPrefix(st.Text, "login failed") {
				t.Fatalf("login failed: %s", st.Text)
			}
		case <-deadline:
			t.Fatal("no login status event")
		}
	}
loggedIn:

	if h.worker.currentSession() == nil {
		t.Fatal("no live session after login")
	}
	u, err := h.users.Current(context.Background())
	if err != nil || !u.LoggedIn {
		t.Fatalf("user not marked logged in: %+v err=%v", u, err)
	}

	// A publish for the same user reuses the live session.
	before := h.engine.launchCount()
	if err := h.worker.Enqueue(NewScheduledPublish(publishTask(u, "reuse"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if r := h.waitResult(t); !r.success {
		t.Fatalf("publish failed: %s", r.msg)
	}
	if h.engine.launchCount() != before {
		t.Fatal("publish for the live user launched a second browser")
	}
}

func TestPublishForOtherUserUsesEphemeralSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	a := h.user(t, "13800000003")
	b := h.user(t, "13800000004")

	// Establish a live session for user a.
	if err := h.worker.Enqueue(NewScheduledPublish(publishTask(a, "warm"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.waitResult(t)

	// Task for b must not disturb a's (absent) live session and must
	// release its own browser.
	if err := h.worker.Enqueue(NewScheduledPublish(publishTask(b, "other"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if r := h.waitResult(t); !r.success {
		t.Fatalf("publish failed: %s", r.msg)
	}

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	for _, br := range h.engine.browsers {
		br.mu.Lock()
		closed := br.closed
		br.mu.Unlock()
		if !closed {
			t.Fatal("an ephemeral browser was left open")
		}
	}
}

func TestMixedUserPublishNeverOverlapsSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	a := h.user(t, "13800000013")
	b := h.user(t, "13800000014")

	// Live session for user a via an interactive login.
	if err := h.worker.Enqueue(NewLogin(a.Phone)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for h.worker.currentSession() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no live session after login")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Publish for user b opens an ephemeral session; a's session must be
	// released first so the two browsers never coexist.
	if err := h.worker.Enqueue(NewScheduledPublish(publishTask(b, "other user"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if r := h.waitResult(t); !r.success {
		t.Fatalf("publish failed: %s", r.msg)
	}

	if got := h.engine.maxConcurrent(); got > 1 {
		t.Fatalf("%d browsers live at once, want at most 1", got)
	}
	if h.worker.currentSession() != nil {
		t.Fatal("released session still held as current")
	}
}

func TestPublishFailureReportsOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.pub.err = context.DeadlineExceeded
	u := h.user(t, "13800000005")

	if err := h.worker.Enqueue(NewScheduledPublish(publishTask(u, "fails"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r := h.waitResult(t)
	if r.success || r.msg == "" {
		t.Fatalf("result = %+v", r)
	}

	select {
	case extra := <-h.results:
		t.Fatalf("second result delivered: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublisherPanicReportsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.pub.panicOn = "boom"
	u := h.user(t, "13800000006")

	if err := h.worker.Enqueue(NewScheduledPublish(publishTask(u, "boom"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r := h.waitResult(t)
	if r.success {
		t.Fatal("panicking publish reported success")
	}
	if !strings.Contains(r.msg, "internal error") {
		t.Fatalf("msg = %q", r.msg)
	}

	// The worker keeps draining afterwards.
	if err := h.worker.Enqueue(NewScheduledPublish(publishTask(u, "next"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if r := h.waitResult(t); !r.success {
		t.Fatalf("follow-up failed: %s", r.msg)
	}
}

func TestHotspotTaskSynthesizesContent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *Options) {
		o.Trends = trendStub{content.Trend{Keyword: "城市夜跑", Rank: 1, Source: "weibo"}}
	})
	u := h.user(t, "13800000007")

	ht := publishTask(u, "ignored")
	ht.Type = task.TypeHotspot
	ht.HotspotSource = "weibo"
	ht.Title = ""
	ht.Content = ""

	if err := h.worker.Enqueue(NewScheduledPublish(ht)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if r := h.waitResult(t); !r.success {
		t.Fatalf("publish failed: %s", r.msg)
	}

	posts := h.pub.posts
	if len(posts) != 1 {
		t.Fatalf("posts = %d", len(posts))
	}
	if !strings.Contains(posts[0].Title, "城市夜跑") {
		t.Fatalf("title %q does not mention the trend", posts[0].Title)
	}
	if posts[0].Content == "" || len(posts[0].Images) == 0 {
		t.Fatalf("post incomplete: %+v", posts[0])
	}
}

func TestHotspotRankIsOneBased(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *Options) {
		o.Trends = trendStub{
			{Keyword: "榜一", Rank: 1, Source: "weibo"},
			{Keyword: "榜二", Rank: 2, Source: "weibo"},
			{Keyword: "榜三", Rank: 3, Source: "weibo"},
		}
	})
	u := h.user(t, "13800000015")

	ht := publishTask(u, "")
	ht.Type = task.TypeHotspot
	ht.HotspotSource = "weibo"
	ht.HotspotRank = 2

	if err := h.worker.Enqueue(NewScheduledPublish(ht)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if r := h.waitResult(t); !r.success {
		t.Fatalf("publish failed: %s", r.msg)
	}
	if title := h.pub.posts[0].Title; !strings.Contains(title, "榜二") {
		t.Fatalf("rank 2 picked %q, want the second trend", title)
	}
}

func TestHotspotRankBeyondListFallsBackToTop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *Options) {
		o.Trends = trendStub{{Keyword: "唯一热点", Rank: 1, Source: "weibo"}}
	})
	u := h.user(t, "13800000016")

	ht := publishTask(u, "")
	ht.Type = task.TypeHotspot
	ht.HotspotSource = "weibo"
	ht.HotspotRank = 5
	ht.TaskID = "task_1_rank5"

	if err := h.worker.Enqueue(NewScheduledPublish(ht)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if r := h.waitResult(t); !r.success {
		t.Fatalf("publish failed: %s", r.msg)
	}
	if title := h.pub.posts[0].Title; !strings.Contains(title, "唯一热点") {
		t.Fatalf("short list picked %q, want the top trend", title)
	}
}

func TestFixedTaskWithoutImagesGetsPlaceholders(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	u := h.user(t, "13800000008")

	ft := publishTask(u, "no images")
	if err := h.worker.Enqueue(NewScheduledPublish(ft)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if r := h.waitResult(t); !r.success {
		t.Fatalf("publish failed: %s", r.msg)
	}

	// Cover plus two content pages, matching the minimum placeholder set.
	posts := h.pub.posts
	if len(posts[0].Images) != 3 {
		t.Fatalf("placeholder images = %v", posts[0].Images)
	}
	if filepath.Base(posts[0].Images[0]) != "cover.png" {
		t.Fatalf("first image = %s, want cover.png", posts[0].Images[0])
	}
	for _, p := range posts[0].Images {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("placeholder missing on disk: %v", err)
		}
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	users, err := user.OpenRegistry(filepath.Join(t.TempDir(), "u.db"), logx.Nop())
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer users.Close()

	w, err := New(Options{
		Users:     users,
		Engine:    &fakeEngine{},
		Publisher: &fakePublisher{},
		QueueSize: 1,
		Results:   func(string, bool, string) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Not running, so the first action fills the queue.
	if err := w.Enqueue(NewLogin("1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := w.Enqueue(NewLogin("2")); err != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

type trendStub []content.Trend

func (s trendStub) TopTrends(context.Context, string, int) ([]content.Trend, error) {
	return s, nil
}
