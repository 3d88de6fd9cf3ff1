package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	cookieSnapshotFile  = "cookies.json"
	storageSnapshotFile = "storage_state.json"
)

// snapshotStore persists a user's credential snapshots, scoped to the
// platform domain so unrelated cookies never leave the browser.
type snapshotStore struct {
	dir    string
	domain string
}

func newSnapshotStore(dir, domain string) *snapshotStore {
	return &snapshotStore{dir: dir, domain: domain}
}

// filterCookies keeps only cookies for the snapshot's domain (and its
// subdomains).
func (s *snapshotStore) filterCookies(cookies []Cookie) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	want := strings.TrimPrefix(s.domain, ".")
	for _, c := range cookies {
		d := strings.TrimPrefix(c.Domain, ".")
		if d == want || strings.HasSuffix(d, "."+want) {
			out = append(out, c)
		}
	}
	return out
}

func (s *snapshotStore) SaveCookies(cookies []Cookie) error {
	scoped := s.filterCookies(cookies)
	if len(scoped) == 0 {
		return errors.New("no cookies in scope to save")
	}
	return s.writeJSON(cookieSnapshotFile, scoped)
}

func (s *snapshotStore) LoadCookies() ([]Cookie, error) {
	var cookies []Cookie
	if err := s.readJSON(cookieSnapshotFile, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}

// filterOrigins keeps only structured storage for origins on the
// snapshot's domain (and its subdomains).
func (s *snapshotStore) filterOrigins(origins map[string]map[string]string) map[string]map[string]string {
	if len(origins) == 0 {
		return nil
	}
	want := strings.TrimPrefix(s.domain, ".")
	out := make(map[string]map[string]string, len(origins))
	for origin, kv := range origins {
		u, err := url.Parse(origin)
		if err != nil {
			continue
		}
		h := u.Hostname()
		if h == want || strings.HasSuffix(h, "."+want) {
			out[origin] = kv
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *snapshotStore) SaveStorage(st StorageState) error {
	st.Cookies = s.filterCookies(st.Cookies)
	st.Origins = s.filterOrigins(st.Origins)
	return s.writeJSON(storageSnapshotFile, st)
}

func (s *snapshotStore) LoadStorage() (StorageState, error) {
	var st StorageState
	if err := s.readJSON(storageSnapshotFile, &st); err != nil {
		return StorageState{}, err
	}
	return st, nil
}

// HasStorage reports whether a storage snapshot exists on disk.
func (s *snapshotStore) HasStorage() bool {
	_, err := os.Stat(filepath.Join(s.dir, storageSnapshotFile))
	return err == nil
}

// HasCookies reports whether a cookie snapshot exists on disk.
func (s *snapshotStore) HasCookies() bool {
	_, err := os.Stat(filepath.Join(s.dir, cookieSnapshotFile))
	return err == nil
}

func (s *snapshotStore) writeJSON(name string, v any) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *snapshotStore) readJSON(name string, v any) error {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
