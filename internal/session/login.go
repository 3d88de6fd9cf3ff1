package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "pubdesk/pkg/logx"
)

// Login brings the session to the authenticated state, trying the cheapest
// recovery first:
//
//  1. persistent profile: launch and probe; the profile may still hold a
//     valid login from a previous run
//  2. storage-state snapshot: restore cookies + structured storage, probe
//  3. cookie snapshot: restore cookies only, probe
//  4. interactive SMS login, bounded by LoginTimeout (automated form) and
//     ManualLoginTimeout (human completing the flow in the window)
//
// On success the session saves fresh snapshots so the next run can skip
// straight to stage 2.
func (s *Session) Login(ctx context.Context) error {
	b, err := s.ensureBrowser(ctx)
	if err != nil {
		return err
	}
	s.setState(StateAuthenticating)

	// Warm up the SSO domain first so restored cookies attach cleanly.
	if err := b.Navigate(ctx, ssoWarmupURL); err != nil {
		s.log.Debug("sso warmup failed", logx.Any("err", err))
	}

	if s.persistent {
		if ok, err := s.probeLoggedIn(ctx, b); err != nil {
			s.log.Debug("profile probe failed", logx.Any("err", err))
		} else if ok {
			return s.finishLogin(ctx, b, "persistent_profile")
		}
	}

	if s.snapshots.HasStorage() {
		if ok := s.tryRestoreStorage(ctx, b); ok {
			return s.finishLogin(ctx, b, "storage_snapshot")
		}
	}

	if s.snapshots.HasCookies() {
		if ok := s.tryRestoreCookies(ctx, b); ok {
			return s.finishLogin(ctx, b, "cookie_snapshot")
		}
	}

	if err := s.interactiveLogin(ctx, b); err != nil {
		// Last stage of the recovery chain failed; dump the page state so
		// the operator can see what the login window was stuck on.
		if dir := s.CaptureDebug(ctx, "login failed"); dir != "" {
			s.log.Warn("login failed", logx.Any("err", err), logx.String("debug_dir", dir))
		}
		s.setState(StateLoginRequired)
		return err
	}
	return s.finishLogin(ctx, b, "interactive")
}

func (s *Session) finishLogin(ctx context.Context, b Browser, via string) error {
	if err := b.Navigate(ctx, creatorHomeURL); err != nil {
		s.log.Debug("home navigation after login failed", logx.Any("err", err))
	}
	if err := s.saveSnapshots(ctx, b); err != nil {
		s.log.Warn("snapshot after login failed", logx.Any("err", err))
	}
	s.mu.Lock()
	s.authFault = ""
	s.mu.Unlock()
	s.setState(StateAuthenticated)
	s.log.Info("session authenticated", logx.String("via", via))
	return nil
}

func (s *Session) tryRestoreStorage(ctx context.Context, b Browser) bool {
	st, err := s.snapshots.LoadStorage()
	if err != nil {
		s.log.Debug("storage snapshot unreadable", logx.Any("err", err))
		return false
	}
	if err := s.clearBeforeRestore(ctx, b); err != nil {
		s.log.Debug("cookie clear before restore skipped", logx.Any("err", err))
	}
	if err := b.RestoreStorage(ctx, st); err != nil {
		s.log.Debug("storage restore failed", logx.Any("err", err))
		return false
	}
	ok, err := s.probeLoggedIn(ctx, b)
	if err != nil {
		s.log.Debug("probe after storage restore failed", logx.Any("err", err))
		return false
	}
	return ok
}

func (s *Session) tryRestoreCookies(ctx context.Context, b Browser) bool {
	cookies, err := s.snapshots.LoadCookies()
	if err != nil || len(cookies) == 0 {
		return false
	}
	if err := s.clearBeforeRestore(ctx, b); err != nil {
		s.log.Debug("cookie clear before restore skipped", logx.Any("err", err))
	}
	if err := b.SetCookies(ctx, cookies); err != nil {
		s.log.Debug("cookie restore failed", logx.Any("err", err))
		return false
	}
	ok, err := s.probeLoggedIn(ctx, b)
	if err != nil {
		s.log.Debug("probe after cookie restore failed", logx.Any("err", err))
		return false
	}
	return ok
}

// clearBeforeRestore wipes stale cookies before loading a snapshot, but
// only when the profile belongs to this application or the user opted in.
// Clearing a user's own imported browser profile would log them out
// everywhere.
func (s *Session) clearBeforeRestore(ctx context.Context, b Browser) error {
	if s.persistent && !s.opts.AllowClearCookies {
		return errors.New("persistent profile and allow_clear_cookies is off")
	}
	return b.ClearCookies(ctx)
}

// interactiveLogin drives the SMS form when the publisher supports it,
// otherwise leaves the login page open for the human. Either way it then
// polls the auth probe until success or the manual deadline.
func (s *Session) interactiveLogin(ctx context.Context, b Browser) error {
	if err := b.Navigate(ctx, creatorLoginURL); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}

	automator, automated := s.opts.Publisher.(LoginAutomator)
	if automated && s.phone != "" && s.opts.CodeWaiter != nil {
		if err := s.automatedLogin(ctx, b, automator); err != nil {
			s.log.Warn("automated login failed; waiting for manual login", logx.Any("err", err))
		}
	}

	deadline := s.opts.ManualLoginTimeout
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	wctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		ok, err := s.probeLoggedIn(wctx, b)
		if err != nil {
			if wctx.Err() != nil {
				return fmt.Errorf("login not completed within %s", deadline)
			}
			s.log.Debug("login wait probe failed", logx.Any("err", err))
		}
		if ok {
			return nil
		}
		select {
		case <-wctx.Done():
			return fmt.Errorf("login not completed within %s", deadline)
		case <-time.After(time.Second):
		}
	}
}

// automatedLogin fills the phone, requests a code, and bridges the code
// entry to the human through CodeWaiter.
func (s *Session) automatedLogin(ctx context.Context, b Browser, auto LoginAutomator) error {
	actx, cancel := context.WithTimeout(ctx, s.opts.LoginTimeout)
	defer cancel()

	if err := auto.FillPhone(actx, b, s.phone); err != nil {
		return fmt.Errorf("fill phone: %w", err)
	}
	if err := auto.SendCode(actx, b); err != nil {
		return fmt.Errorf("send code: %w", err)
	}

	code, err := s.opts.CodeWaiter(actx, s.phone, s.opts.LoginTimeout)
	if err != nil {
		return fmt.Errorf("wait for code: %w", err)
	}
	if err := auto.SubmitCode(actx, b, code); err != nil {
		return fmt.Errorf("submit code: %w", err)
	}
	return nil
}
