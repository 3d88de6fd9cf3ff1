// Package app wires the services together: config, logging, task store,
// user registry, worker, scheduler, and UI notifications.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pubdesk/internal/config"
	"pubdesk/internal/content"
	"pubdesk/internal/eventbus"
	"pubdesk/internal/notify"
	"pubdesk/internal/runtime/supervisor"
	"pubdesk/internal/schedule"
	"pubdesk/internal/session"
	"pubdesk/internal/task"
	"pubdesk/internal/user"
	"pubdesk/internal/verify"
	"pubdesk/internal/worker"
	logx "pubdesk/pkg/logx"
)

// Hooks are the host-supplied integration points. Engine and Publisher are
// required; everything else is optional.
type Hooks struct {
	Engine    session.Engine
	Publisher session.Publisher

	// Content synthesis for hotspot tasks. Nil falls back to the built-in
	// template composer and generated placeholder images.
	Trends    content.TrendSource
	Generator content.Generator
	Images    content.ImageSource

	// Prompter is notified when the login flow needs an SMS code.
	Prompter verify.Prompter

	// Callbacks receive task/login/preview status changes on the host's
	// behalf (UI updates, notifications).
	Callbacks notify.Callbacks
}

type App struct {
	cfgPath string
	dataDir string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	tasks *task.Store
	users *user.Registry
	gate  *verify.Gate

	work  *worker.Worker
	sched *schedule.Service
	notif *notify.Service

	mu      sync.Mutex
	started bool
}

// resultRelay breaks the construction cycle between the worker (needs a
// result sink) and the scheduler (needs the worker as its enqueuer). The
// target is bound right after both exist, before anything runs.
type resultRelay struct {
	mu sync.Mutex
	s  *schedule.Service
}

func (r *resultRelay) bind(s *schedule.Service) {
	r.mu.Lock()
	r.s = s
	r.mu.Unlock()
}

func (r *resultRelay) handle(taskID string, success bool, errMsg string) {
	r.mu.Lock()
	s := r.s
	r.mu.Unlock()
	if s != nil {
		s.HandleResult(taskID, success, errMsg)
	}
}

func New(cfgPath string, hooks Hooks) (*App, error) {
	if hooks.Engine == nil || hooks.Publisher == nil {
		return nil, errors.New("app needs a browser engine and a publisher")
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	dataDir, err := cfg.EffectiveDataDir()
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"", "scheduled_assets", "generated", "sessions", "profiles", "debug"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
	}

	bus := eventbus.New()

	tasks, err := task.OpenStore(filepath.Join(dataDir, "tasks.json"),
		log.With(logx.String("comp", "tasks")),
		task.WithAssetRoot(filepath.Join(dataDir, "scheduled_assets")))
	if err != nil {
		return nil, err
	}

	users, err := user.OpenRegistry(filepath.Join(dataDir, "users.db"),
		log.With(logx.String("comp", "users")))
	if err != nil {
		return nil, err
	}

	gate := verify.NewGate(hooks.Prompter)

	relay := &resultRelay{}
	work, err := worker.New(worker.Options{
		Log:       log.With(logx.String("comp", "worker")),
		Bus:       bus,
		Users:     users,
		Engine:    hooks.Engine,
		Publisher: hooks.Publisher,
		Gate:      gate,
		Trends:    hooks.Trends,
		Generator: hooks.Generator,
		Images:    hooks.Images,
		DataDir:   dataDir,
		QueueSize: cfg.Worker.EffectiveQueueSize(),
		IdleSleep: cfg.Worker.EffectiveIdleSleep(),
		Session:   cfg.Session,
		Results:   relay.handle,
	})
	if err != nil {
		_ = users.Close()
		return nil, err
	}

	sched := schedule.New(tasks, work, bus, schedule.Config{
		PollInterval:  cfg.Scheduler.EffectivePollInterval(),
		RetryCooldown: cfg.Scheduler.EffectiveRetryCooldown(),
		DebugDir:      filepath.Join(dataDir, "debug"),
	}, log.With(logx.String("comp", "scheduler")))
	relay.bind(sched)

	notif := notify.New(bus, hooks.Callbacks, log.With(logx.String("comp", "notify")))

	return &App{
		cfgPath: cfgPath,
		dataDir: dataDir,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		tasks:   tasks,
		users:   users,
		gate:    gate,
		work:    work,
		sched:   sched,
		notif:   notif,
	}, nil
}

// DataDir is the resolved state directory.
func (a *App) DataDir() string { return a.dataDir }

// Config returns the last committed config snapshot.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}
	a.started = true

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.sup.Go("worker.run", a.work.Run)
	a.sup.Go("notify.run", a.notif.Run)

	if a.cfgm.Get().Scheduler.Enabled {
		if err := a.sched.Start(); err != nil {
			return err
		}
	}

	// hot reload fan-out: logging applies live, the rest needs a restart
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					lastApplied = newCfg
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)
				lastApplied = newCfg

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				for _, s := range sections {
					if s != "logging" {
						a.log.Warn("config section changed; restart required for changes to take effect",
							logx.String("section", s))
						break
					}
				}
			}
		}
	})

	a.log.Info("app started", logx.String("data_dir", a.dataDir))
	return nil
}

// Stop shuts everything down and releases held resources. Safe to call
// more than once, and before Start.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if a.started {
		a.started = false
		a.sched.Stop()
		a.gate.Cancel()
		if a.sup != nil {
			err = a.sup.Stop(ctx)
		}
	}
	if cerr := a.users.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logs.Close()
	return err
}

// ---- task management ----

// AddTask validates and stores a new scheduled task. Images are staged
// under the app's asset directory.
func (a *App) AddTask(spec task.Spec) (string, error) {
	if strings.TrimSpace(spec.Title) == "" && spec.Type != task.TypeHotspot {
		return "", errors.New("task title is required")
	}
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = a.cfgm.Get().Scheduler.EffectiveMaxRetries()
	}
	return a.tasks.Add(spec)
}

func (a *App) RemoveTask(taskID string) bool { return a.tasks.Remove(taskID) }

func (a *App) Task(taskID string) (task.ScheduledTask, bool) { return a.tasks.Get(taskID) }

// Tasks returns every stored task sorted by schedule time.
func (a *App) Tasks() []task.ScheduledTask { return a.tasks.List() }

// Upcoming returns pending tasks scheduled within the next hour.
func (a *App) Upcoming() []task.ScheduledTask {
	return a.tasks.Upcoming(time.Now(), time.Hour)
}

func (a *App) ClearCompleted() int { return a.tasks.ClearCompleted() }

func (a *App) TaskStats() task.Stats { return a.tasks.Stats() }

func (a *App) ExportTasks(path string) error { return a.tasks.Export(path) }

func (a *App) ImportTasks(path string) (int, error) { return a.tasks.Import(path) }

// ---- scheduler control ----

// ResumeScheduler starts the poll loop if it is not already running.
func (a *App) ResumeScheduler() error { return a.sched.Start() }

// PauseScheduler stops the poll loop. In-flight actions finish normally.
func (a *App) PauseScheduler() { a.sched.Stop() }

// PollNow forces an immediate due-task sweep.
func (a *App) PollNow() { a.sched.Poll() }

// ---- interactive actions ----

// Login queues an interactive login for the given phone number.
func (a *App) Login(phone string) error {
	return a.work.Enqueue(worker.NewLogin(phone))
}

// Preview queues a publish walkthrough that stops before final submission.
func (a *App) Preview(post session.Post) error {
	return a.work.Enqueue(worker.NewPreview(post))
}

// SubmitVerificationCode hands an SMS code to a waiting login flow.
// Returns false when no login is waiting for a code.
func (a *App) SubmitVerificationCode(code string) bool { return a.gate.Submit(code) }

// CancelVerification aborts a pending code request.
func (a *App) CancelVerification() { a.gate.Cancel() }

// VerificationPending reports whether a login flow is blocked on a code.
func (a *App) VerificationPending() bool { return a.gate.Waiting() }

// ---- accounts ----

func (a *App) CurrentUser(ctx context.Context) (user.User, error) { return a.users.Current(ctx) }

func (a *App) Users(ctx context.Context) ([]user.User, error) { return a.users.List(ctx) }

func (a *App) SwitchUser(ctx context.Context, id string) error { return a.users.SetCurrent(ctx, id) }

func (a *App) Environments(ctx context.Context, userID string) ([]user.Environment, error) {
	return a.users.Environments(ctx, userID)
}

func (a *App) AddEnvironment(ctx context.Context, env user.Environment) (string, error) {
	return a.users.AddEnvironment(ctx, env)
}
