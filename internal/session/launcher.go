package session

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// systemBrowserPaths lists well-known install locations per OS, probed in
// order.
var systemBrowserPaths = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
	},
	"linux": {
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/usr/bin/microsoft-edge",
	},
}

// enginePatterns glob for executables inside a downloaded engine cache,
// newest build first.
var enginePatterns = map[string][]string{
	"darwin": {
		"chromium-*/chrome-mac/Chromium.app/Contents/MacOS/Chromium",
	},
	"windows": {
		`chromium-*\chrome-win\chrome.exe`,
	},
	"linux": {
		"chromium-*/chrome-linux/chrome",
	},
}

// ResolveExecutable finds a browser to drive: an explicit override first,
// then a system browser, then the newest engine in cacheDir. The returned
// error names every location probed so the user can act on it.
func ResolveExecutable(override, cacheDir string) (string, error) {
	return resolveExecutable(override, cacheDir, runtime.GOOS)
}

func resolveExecutable(override, cacheDir, goos string) (string, error) {
	if p := strings.TrimSpace(override); p != "" {
		if isExecutableFile(p) {
			return p, nil
		}
		return "", fmt.Errorf("%w: configured path %q does not exist", ErrNoExecutable, p)
	}

	probed := make([]string, 0, 8)
	for _, p := range systemBrowserPaths[goos] {
		if isExecutableFile(p) {
			return p, nil
		}
		probed = append(probed, p)
	}

	if cacheDir != "" {
		for _, pattern := range enginePatterns[goos] {
			matches, _ := filepath.Glob(filepath.Join(cacheDir, pattern))
			if len(matches) > 0 {
				// Glob output is lexical; the highest build number sorts last.
				sort.Strings(matches)
				p := matches[len(matches)-1]
				if isExecutableFile(p) {
					return p, nil
				}
			}
		}
		probed = append(probed, filepath.Join(cacheDir, "chromium-*"))
	}

	return "", fmt.Errorf("%w: install Chrome or Edge, or set session.engine_cache_dir; probed %s",
		ErrNoExecutable, strings.Join(probed, ", "))
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
