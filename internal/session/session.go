package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pubdesk/internal/user"
	logx "pubdesk/pkg/logx"
)

// Platform endpoints. The probe endpoint returns 200 only with a valid
// login, which makes it the cheapest authentication check available.
const (
	platformDomain  = ".xiaohongshu.com"
	creatorHomeURL  = "https://creator.xiaohongshu.com/new/home"
	creatorLoginURL = "https://creator.xiaohongshu.com/login"
	authProbeURL    = "https://creator.xiaohongshu.com/api/galaxy/user/info"
	ssoWarmupURL    = "https://www.xiaohongshu.com/"
)

// probeInterval throttles logged-in probes; the endpoint rate-limits
// aggressive polling.
const probeInterval = 3 * time.Second

// Options carries everything a Session needs beyond its user identity.
type Options struct {
	Engine    Engine
	Publisher Publisher

	// DataDir is the per-installation state root; the session keeps its
	// profile, snapshots, and debug bundles under it.
	DataDir string

	Environment user.Environment

	UsePersistentProfile bool
	AllowClearCookies    bool
	BrowserArgsMode      string
	ProfileDirectory     string
	ExecutablePath       string
	EngineCacheDir       string
	Headless             bool

	LaunchTimeout        time.Duration
	LoginTimeout         time.Duration
	ManualLoginTimeout   time.Duration
	PublishVerifyTimeout time.Duration

	// CodeWaiter blocks for a human-entered SMS code. Required for the
	// interactive login stage.
	CodeWaiter func(ctx context.Context, phone string, timeout time.Duration) (string, error)

	Log logx.Logger
}

// Session is one user's live browser. At most one Session is open inside
// the worker at any time; the worker enforces that.
type Session struct {
	userID string
	phone  string
	opts   Options
	log    logx.Logger

	snapshots *snapshotStore
	probeRate *rate.Limiter

	mu         sync.Mutex
	state      State
	browser    Browser
	persistent bool
	authFault  string
}

func New(userID, phone string, opts Options) (*Session, error) {
	if opts.Engine == nil {
		return nil, errors.New("session needs an engine")
	}
	if opts.Publisher == nil {
		return nil, errors.New("session needs a publisher")
	}
	if opts.DataDir == "" {
		return nil, errors.New("session needs a data dir")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("user_id", userID))

	return &Session{
		userID:    userID,
		phone:     phone,
		opts:      opts,
		log:       log,
		snapshots: newSnapshotStore(filepath.Join(opts.DataDir, "sessions", userID), platformDomain),
		probeRate: rate.NewLimiter(rate.Every(probeInterval), 1),
		state:     StateUninitialized,
	}, nil
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug("session state", logx.String("from", string(prev)), logx.String("to", string(st)))
	}
}

// markAuthFault latches the fault; the next publish on this session fails
// fast instead of posting into a dead login.
func (s *Session) markAuthFault(reason string) {
	s.mu.Lock()
	first := s.authFault == ""
	if first {
		s.authFault = reason
	}
	s.mu.Unlock()
	if first {
		s.log.Warn("auth fault observed", logx.String("reason", reason))
	}
}

func (s *Session) faulted() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFault, s.authFault != ""
}

// ensureBrowser launches the browser if needed and returns it.
func (s *Session) ensureBrowser(ctx context.Context) (Browser, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.browser != nil {
		b := s.browser
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	s.setState(StateLaunching)

	exe, err := ResolveExecutable(s.opts.ExecutablePath, s.opts.EngineCacheDir)
	if err != nil {
		s.setState(StateUninitialized)
		return nil, err
	}

	fp := FingerprintFromEnvironment(s.opts.Environment)
	spec := LaunchSpec{
		ExecutablePath:   exe,
		ProfileDirectory: s.opts.ProfileDirectory,
		Headless:         s.opts.Headless,
		Args:             browserArgs(s.opts.BrowserArgsMode),
		Proxy:            ProxyFromEnvironment(s.opts.Environment),
		Fingerprint:      fp,
		InitScript:       fp.InitScript(),
		Timeout:          s.opts.LaunchTimeout,
	}

	var b Browser
	if s.opts.UsePersistentProfile {
		spec.UserDataDir = filepath.Join(s.opts.DataDir, "profiles", s.userID)
		b, err = s.opts.Engine.LaunchPersistent(ctx, spec)
	} else {
		b, err = s.opts.Engine.Launch(ctx, spec)
	}
	if err != nil {
		s.setState(StateUninitialized)
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b.OnAuthFault(s.markAuthFault)

	s.mu.Lock()
	s.browser = b
	s.persistent = s.opts.UsePersistentProfile
	s.mu.Unlock()

	if s.opts.UsePersistentProfile {
		s.setState(StateProfileBootstrapped)
	} else {
		s.setState(StateFresh)
	}
	return b, nil
}

// probeLoggedIn checks the auth endpoint, throttled so a tight wait loop
// cannot hammer it.
func (s *Session) probeLoggedIn(ctx context.Context, b Browser) (bool, error) {
	if err := s.probeRate.Wait(ctx); err != nil {
		return false, err
	}
	status, err := b.ProbeStatus(ctx, authProbeURL)
	if err != nil {
		return false, err
	}
	return status >= 200 && status < 300, nil
}

// PostArticle publishes (or previews) through the live session. The session
// must be authenticated. A latched auth fault fails fast. ErrUnverified
// from the publisher is downgraded to success after a debug capture: the
// platform often accepts the post without showing the confirmation.
func (s *Session) PostArticle(ctx context.Context, post Post) error {
	if reason, bad := s.faulted(); bad {
		if dir := s.CaptureDebug(ctx, "auth fault"); dir != "" {
			s.log.Warn("auth fault before publish",
				logx.String("reason", reason), logx.String("debug_dir", dir))
		}
		return fmt.Errorf("%w: %s", ErrAuthFault, reason)
	}
	if s.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}

	s.mu.Lock()
	b := s.browser
	s.mu.Unlock()
	if b == nil {
		return ErrClosed
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.PublishVerifyTimeout+2*time.Minute)
	defer cancel()

	err := s.opts.Publisher.PostArticle(pctx, b, post)
	if errors.Is(err, ErrUnverified) {
		dir := captureDebugBundle(ctx, b, filepath.Join(s.opts.DataDir, "debug"), platformDomain,
			"publish unverified", s.log)
		s.log.Warn("publish not confirmed in time; treating as submitted",
			logx.String("title", post.Title), logx.String("debug_dir", dir))
		return nil
	}
	if err != nil {
		if reason, bad := s.faulted(); bad {
			return fmt.Errorf("%w: %s", ErrAuthFault, reason)
		}
		return err
	}
	return nil
}

// SaveSnapshots persists the current cookies and storage state. Best
// effort; returns the first error for logging.
func (s *Session) SaveSnapshots(ctx context.Context) error {
	s.mu.Lock()
	b := s.browser
	s.mu.Unlock()
	if b == nil {
		return ErrClosed
	}
	return s.saveSnapshots(ctx, b)
}

// CaptureDebug dumps a diagnostic bundle for the current page.
func (s *Session) CaptureDebug(ctx context.Context, reason string) string {
	s.mu.Lock()
	b := s.browser
	s.mu.Unlock()
	if b == nil {
		return ""
	}
	return captureDebugBundle(ctx, b, filepath.Join(s.opts.DataDir, "debug"), platformDomain, reason, s.log)
}

// Close tears the session down in order: snapshot credentials, then close
// the browser. force skips the snapshot, for shutdown paths where the
// browser may already be wedged. Safe to call more than once.
func (s *Session) Close(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	b := s.browser
	s.browser = nil
	authenticated := s.state == StateAuthenticated
	s.state = StateClosed
	s.mu.Unlock()

	if b == nil {
		return nil
	}

	if !force && authenticated {
		if err := s.saveSnapshots(ctx, b); err != nil {
			s.log.Warn("snapshot on close failed", logx.Any("err", err))
		}
	}

	if err := b.Close(ctx); err != nil {
		s.log.Warn("browser close failed", logx.Any("err", err))
		return err
	}
	s.log.Info("session closed", logx.Bool("force", force))
	return nil
}

// saveSnapshots works on an explicit browser handle because Close has
// already detached s.browser when it runs.
func (s *Session) saveSnapshots(ctx context.Context, b Browser) error {
	var firstErr error
	if st, err := b.StorageState(ctx); err != nil {
		firstErr = err
	} else if err := s.snapshots.SaveStorage(st); err != nil {
		firstErr = err
	}
	if cookies, err := b.Cookies(ctx); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else if err := s.snapshots.SaveCookies(cookies); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
