package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	logx "pubdesk/pkg/logx"
)

// captureDebugBundle saves a screenshot, the page HTML, and the scoped
// cookies into a fresh directory under debugRoot. Best effort: partial
// bundles are still useful, so individual capture failures only log.
// Returns the bundle directory.
func captureDebugBundle(ctx context.Context, b Browser, debugRoot, domain, reason string, log logx.Logger) string {
	id := time.Now().Format("20060102_150405") + "_" + uuid.NewString()[:8]
	dir := filepath.Join(debugRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("debug bundle dir failed", logx.Any("err", err))
		return ""
	}

	meta := map[string]string{
		"reason":   reason,
		"captured": time.Now().Format(time.RFC3339),
	}
	if url, err := b.CurrentURL(ctx); err == nil {
		meta["url"] = url
	}
	if mb, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), mb, 0o644)
	}

	if shot, err := b.Screenshot(ctx); err != nil {
		log.Debug("debug screenshot failed", logx.Any("err", err))
	} else {
		_ = os.WriteFile(filepath.Join(dir, "page.png"), shot, 0o644)
	}

	if html, err := b.HTML(ctx); err != nil {
		log.Debug("debug html failed", logx.Any("err", err))
	} else {
		_ = os.WriteFile(filepath.Join(dir, "page.html"), []byte(html), 0o644)
	}

	if cookies, err := b.Cookies(ctx); err != nil {
		log.Debug("debug cookies failed", logx.Any("err", err))
	} else {
		scoped := (&snapshotStore{domain: domain}).filterCookies(cookies)
		if cb, err := json.MarshalIndent(scoped, "", "  "); err == nil {
			_ = os.WriteFile(filepath.Join(dir, "cookies.json"), cb, 0o600)
		}
	}

	log.Info("debug bundle captured", logx.String("dir", dir), logx.String("reason", reason))
	return dir
}
