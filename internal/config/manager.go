package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "pubdesk/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the config file: strict parsing, the committed snapshot,
// and hot-reload fan-out to subscribers. A reload only replaces the
// committed snapshot when the new content differs and passes validation.
type Manager struct {
	path string

	mu        sync.RWMutex
	current   *Config
	committed uint64

	// subMu guards subs so publish never sends on a channel that
	// Unsubscribe is closing.
	subMu sync.Mutex
	subs  []chan *Config

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager { return &Manager{path: path} }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator gates hot reloads: a config that fails the hook is dropped
// without touching the committed snapshot.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decodeConfig(m.path, raw)
}

// Load parses the file and commits the result.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.current = cfg
	m.committed = fingerprint(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// fingerprint hashes the canonical JSON form of cfg. Zero means "unknown"
// and never matches, so a hashing failure forces a reload rather than
// suppressing one.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs[len(m.subs)-1] = nil
			m.subs = m.subs[:len(m.subs)-1]
			close(ch)
			return
		}
	}
}

// publish delivers cfg to every subscriber. A full buffer sheds one
// pending update so the newest config still lands; a subscriber that
// cannot absorb even that loses this update.
func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.debug("config update dropped, subscriber stalled",
				logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Watch re-parses the file on change, debounced so editor write bursts
// and rename-replace saves collapse into one reload. A watcher that stops
// delivering events is rebuilt with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	reload := newDebouncer(reloadDebounce, func() { m.reload(ctx) })
	defer reload.stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffMin
	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.warn("config watch setup failed", logx.Any("err", err), logx.String("dir", dir))
			if !sleepCtx(ctx, jitter(rng, backoff)) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = watchBackoffMin
		m.debug("config watcher started", logx.String("path", m.path))
		m.consumeEvents(ctx, w, base, reload)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}

		m.warn("config watcher stopped, rebuilding",
			logx.String("path", m.path), logx.Duration("backoff", backoff))
		if !sleepCtx(ctx, jitter(rng, backoff)) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
	return nil
}

// consumeEvents drains the watcher until it breaks or ctx ends. Any event
// touching the config file schedules a reload; the reload itself decides
// whether the content actually changed.
func (m *Manager) consumeEvents(ctx context.Context, w *fsnotify.Watcher, base string, reload *debouncer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			// Compare basenames: event paths may be absolute or relative
			// depending on the backend.
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				reload.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				// Events were lost; reload regardless.
				m.warn("config watch overflow, forcing reload", logx.Any("err", err))
				reload.trigger()
				continue
			}
			m.warn("config watch error", logx.Any("err", err))
			if strings.Contains(msg, "closed") {
				return
			}
		}
	}
}

// reload re-parses the file and, when the content differs from the
// committed snapshot and validates, commits and publishes it. Parse and
// validation failures keep the previous config in force.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.warn("config reload rejected, parse failed",
			logx.String("path", m.path), logx.Any("err", err))
		return
	}

	fp := fingerprint(cfg)
	m.mu.RLock()
	unchanged := fp != 0 && fp == m.committed
	m.mu.RUnlock()
	if unchanged {
		m.debug("config content unchanged, skipping reload")
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.warn("config reload rejected by validator",
				logx.String("path", m.path), logx.Any("err", err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.debug("config reloaded", logx.String("path", m.path))
}

func (m *Manager) warn(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Warn(msg, fields...)
	}
}

func (m *Manager) debug(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Debug(msg, fields...)
	}
}

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	return d + time.Duration(rng.Int63n(int64(d/2)+1))
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > watchBackoffMax {
		return watchBackoffMax
	}
	return d
}

// sleepCtx waits for d, reporting false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// debouncer coalesces a burst of triggers into a single call after a
// quiet gap.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
