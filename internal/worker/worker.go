// Package worker drains the browser action queue serially. One action is in
// flight at a time, which also enforces the at-most-one-live-session rule:
// a second automation session against the same profile trips platform-level
// resource locks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pubdesk/internal/config"
	"pubdesk/internal/content"
	"pubdesk/internal/eventbus"
	"pubdesk/internal/session"
	"pubdesk/internal/user"
	"pubdesk/internal/verify"
	logx "pubdesk/pkg/logx"
)

var ErrQueueFull = errors.New("action queue is full")

// ResultSink receives exactly one publish outcome per scheduled_publish
// action. errMsg is empty on success.
type ResultSink func(taskID string, success bool, errMsg string)

type Options struct {
	Log       logx.Logger
	Bus       eventbus.Bus
	Users     *user.Registry
	Engine    session.Engine
	Publisher session.Publisher
	Gate      *verify.Gate

	Trends    content.TrendSource
	Generator content.Generator
	Images    content.ImageSource

	DataDir   string
	QueueSize int
	IdleSleep time.Duration
	Session   config.SessionConfig

	Results ResultSink
}

type Worker struct {
	log        logx.Logger
	bus        eventbus.Bus
	users      *user.Registry
	engine     session.Engine
	publisher  session.Publisher
	gate       *verify.Gate
	trends     content.TrendSource
	generator  content.Generator
	images     content.ImageSource
	dataDir    string
	idleSleep  time.Duration
	sessionCfg config.SessionConfig
	results    ResultSink

	queue chan Action

	mu      sync.Mutex
	current *session.Session
}

func New(opts Options) (*Worker, error) {
	if opts.Engine == nil || opts.Publisher == nil {
		return nil, errors.New("worker needs an engine and a publisher")
	}
	if opts.Users == nil {
		return nil, errors.New("worker needs the user registry")
	}
	if opts.Results == nil {
		return nil, errors.New("worker needs a result sink")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultQueueSize
	}
	idle := opts.IdleSleep
	if idle <= 0 {
		idle = config.DefaultIdleSleep
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	return &Worker{
		log:        log,
		bus:        bus,
		users:      opts.Users,
		engine:     opts.Engine,
		publisher:  opts.Publisher,
		gate:       opts.Gate,
		trends:     opts.Trends,
		generator:  opts.Generator,
		images:     opts.Images,
		dataDir:    opts.DataDir,
		idleSleep:  idle,
		sessionCfg: opts.Session,
		results:    opts.Results,
		queue:      make(chan Action, queueSize),
	}, nil
}

// Enqueue adds an action to the FIFO queue without blocking.
func (w *Worker) Enqueue(a Action) error {
	select {
	case w.queue <- a:
		w.log.Debug("action enqueued",
			logx.String("action_id", a.ID), logx.String("kind", string(a.Kind)),
			logx.Int("queue_len", len(w.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueLen reports how many actions are waiting.
func (w *Worker) QueueLen() int { return len(w.queue) }

// Run drains the queue until ctx is canceled, then releases the live
// session. Intended to run under the supervisor.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", logx.Int("queue_cap", cap(w.queue)))
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case a := <-w.queue:
			w.execOne(ctx, a)
			// Let the browser settle between actions.
			select {
			case <-ctx.Done():
			case <-time.After(w.idleSleep):
			}
		}
	}
}

func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	w.releaseCurrent(ctx, false)
	w.log.Info("worker stopped")
}

// execOne runs a single action. Nothing escapes: every panic or error ends
// in a definitive report and the loop moves on.
func (w *Worker) execOne(ctx context.Context, a Action) {
	started := time.Now()
	var rep *reporter
	if a.Kind == KindScheduledPublish {
		rep = &reporter{taskID: a.Task.TaskID, sink: w.results}
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("action panicked",
				logx.String("action_id", a.ID),
				logx.String("kind", string(a.Kind)),
				logx.Any("panic", r))
			if rep != nil {
				rep.report(false, fmt.Sprintf("internal error: %v", r))
			}
			w.releaseCurrent(ctx, true)
		}
		w.log.Debug("action finished",
			logx.String("action_id", a.ID),
			logx.String("kind", string(a.Kind)),
			logx.Duration("took", time.Since(started)))
	}()

	switch a.Kind {
	case KindLogin:
		w.handleLogin(ctx, a)
	case KindPreview:
		w.handlePreview(ctx, a)
	case KindScheduledPublish:
		w.handleScheduledPublish(ctx, a, rep)
	default:
		w.log.Warn("unknown action kind dropped", logx.String("kind", string(a.Kind)))
	}
}

// reporter guarantees exactly one result per publish action.
type reporter struct {
	once   sync.Once
	taskID string
	sink   ResultSink
}

func (r *reporter) report(success bool, errMsg string) {
	r.once.Do(func() { r.sink(r.taskID, success, errMsg) })
}

func (w *Worker) handleLogin(ctx context.Context, a Action) {
	w.loginStatus("logging in", false)

	u, err := w.users.EnsureUser(ctx, a.Phone)
	if err != nil {
		w.log.Warn("user resolution failed", logx.Any("err", err))
		w.loginStatus("login failed: "+err.Error(), true)
		return
	}

	s, err := w.sessionFor(ctx, u)
	if err != nil {
		w.loginStatus("login failed: "+err.Error(), true)
		return
	}

	if err := s.Login(ctx); err != nil {
		w.log.Warn("login failed", logx.String("user_id", u.ID), logx.Any("err", err))
		w.releaseCurrent(ctx, true)
		if uerr := w.users.SetLoggedIn(ctx, u.ID, false); uerr != nil {
			w.log.Debug("login state update failed", logx.Any("err", uerr))
		}
		w.loginStatus("login failed: "+err.Error(), true)
		return
	}

	if err := w.users.SetLoggedIn(ctx, u.ID, true); err != nil {
		w.log.Debug("login state update failed", logx.Any("err", err))
	}
	if err := w.users.SetCurrent(ctx, u.ID); err != nil {
		w.log.Debug("current user update failed", logx.Any("err", err))
	}
	w.loginStatus("logged in as "+u.Username, true)
}

func (w *Worker) handlePreview(ctx context.Context, a Action) {
	s := w.currentSession()
	if s == nil || s.State() != session.StateAuthenticated {
		w.previewStatus("preview failed: no active login", true)
		return
	}

	w.previewStatus("preview in progress", false)
	post := a.Post
	post.AutoPublish = false
	if err := s.PostArticle(ctx, post); err != nil {
		w.log.Warn("preview failed", logx.Any("err", err))
		w.previewStatus("preview failed: "+err.Error(), true)
		return
	}
	w.previewStatus("preview ready", true)
}

func (w *Worker) handleScheduledPublish(ctx context.Context, a Action, rep *reporter) {
	w.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskStarted,
		Data: eventbus.TaskEvent{TaskID: a.Task.TaskID},
	})

	post, err := w.buildPayload(ctx, &a.Task)
	if err != nil {
		rep.report(false, err.Error())
		return
	}

	cur := w.currentSession()
	reuse := cur != nil && (a.Task.UserID == "" || cur.UserID() == a.Task.UserID)

	if reuse {
		w.publishWith(ctx, cur, post, rep)
		return
	}

	// No reusable session: open one just for this task and release it on
	// every exit path.
	if a.Task.UserID == "" {
		rep.report(false, "no active session and task has no user")
		return
	}
	u, err := w.users.Get(ctx, a.Task.UserID)
	if err != nil {
		rep.report(false, "task user unknown: "+err.Error())
		return
	}

	if cur != nil {
		// At most one live session: the live session belongs to another
		// user, so it must be released (snapshotting on close) before the
		// ephemeral one launches.
		w.log.Info("releasing live session for scheduled publish",
			logx.String("from", cur.UserID()), logx.String("to", u.ID))
		w.releaseCurrent(ctx, false)
	}

	s, err := w.buildSession(ctx, u)
	if err != nil {
		rep.report(false, err.Error())
		return
	}
	defer func() {
		if cerr := s.Close(ctx, false); cerr != nil {
			w.log.Warn("ephemeral session release failed", logx.Any("err", cerr))
		}
	}()

	if err := s.Login(ctx); err != nil {
		rep.report(false, "login failed: "+err.Error())
		return
	}
	w.publishWith(ctx, s, post, rep)
}

func (w *Worker) publishWith(ctx context.Context, s *session.Session, post session.Post, rep *reporter) {
	if s.State() != session.StateAuthenticated {
		if err := s.Login(ctx); err != nil {
			rep.report(false, "login failed: "+err.Error())
			return
		}
	}
	if err := s.PostArticle(ctx, post); err != nil {
		if errors.Is(err, session.ErrAuthFault) {
			// The login is dead; drop the session so the next action
			// starts clean.
			if s == w.currentSession() {
				w.releaseCurrent(ctx, true)
			}
		}
		rep.report(false, err.Error())
		return
	}
	rep.report(true, "")
}

// sessionFor returns the live session for u, closing any live session that
// belongs to someone else first.
func (w *Worker) sessionFor(ctx context.Context, u user.User) (*session.Session, error) {
	w.mu.Lock()
	cur := w.current
	w.mu.Unlock()

	if cur != nil {
		if cur.UserID() == u.ID {
			return cur, nil
		}
		w.log.Info("switching session user",
			logx.String("from", cur.UserID()), logx.String("to", u.ID))
		w.releaseCurrent(ctx, false)
	}

	s, err := w.buildSession(ctx, u)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.current = s
	w.mu.Unlock()
	return s, nil
}

func (w *Worker) buildSession(ctx context.Context, u user.User) (*session.Session, error) {
	env, err := w.users.SelectEnvironment(ctx, u.ID)
	if err != nil {
		w.log.Warn("no environment for user; launching bare",
			logx.String("user_id", u.ID), logx.Any("err", err))
		env = user.Environment{}
	}

	var codeWaiter func(ctx context.Context, phone string, timeout time.Duration) (string, error)
	if w.gate != nil {
		codeWaiter = w.gate.RequestCode
	}

	return session.New(u.ID, u.Phone, session.Options{
		Engine:               w.engine,
		Publisher:            w.publisher,
		DataDir:              w.dataDir,
		Environment:          env,
		UsePersistentProfile: w.sessionCfg.PersistentProfile(),
		AllowClearCookies:    w.sessionCfg.AllowClearCookies,
		BrowserArgsMode:      w.sessionCfg.BrowserArgsMode,
		ProfileDirectory:     w.sessionCfg.ProfileDirectory,
		ExecutablePath:       w.sessionCfg.ExecutablePath,
		EngineCacheDir:       w.sessionCfg.EngineCacheDir,
		LaunchTimeout:        w.sessionCfg.EffectiveLaunchTimeout(),
		LoginTimeout:         w.sessionCfg.EffectiveLoginTimeout(),
		ManualLoginTimeout:   w.sessionCfg.EffectiveManualLoginTimeout(),
		PublishVerifyTimeout: w.sessionCfg.EffectivePublishVerifyTimeout(),
		CodeWaiter:           codeWaiter,
		Log:                  w.log,
	})
}

func (w *Worker) currentSession() *session.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Worker) releaseCurrent(ctx context.Context, force bool) {
	w.mu.Lock()
	s := w.current
	w.current = nil
	w.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.Close(ctx, force); err != nil {
		w.log.Warn("session release failed", logx.Any("err", err))
	}
}

func (w *Worker) loginStatus(text string, enabled bool) {
	w.bus.Publish(eventbus.Event{
		Type: eventbus.TypeLoginStatus,
		Data: eventbus.StatusEvent{Text: text, Enabled: enabled},
	})
}

func (w *Worker) previewStatus(text string, enabled bool) {
	w.bus.Publish(eventbus.Event{
		Type: eventbus.TypePreviewStatus,
		Data: eventbus.StatusEvent{Text: text, Enabled: enabled},
	})
}
