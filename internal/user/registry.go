// Package user keeps the local account registry and each account's browser
// environment presets (fingerprint and proxy settings) in SQLite.
package user

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "pubdesk/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("user not found")

type User struct {
	ID          string
	Username    string
	Phone       string
	DisplayName string
	LoggedIn    bool
	Current     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Environment describes one browser fingerprint/proxy preset for a user.
type Environment struct {
	ID        string
	UserID    string
	Name      string
	Default   bool
	Agent     string
	Platform  string
	Timezone  string
	Locale    string
	ViewportW int
	ViewportH int

	ProxyServer   string
	ProxyUsername string
	ProxyPassword string

	WebGLVendor   string
	WebGLRenderer string

	// Zero lat/lon means "no geolocation override".
	GeoLatitude  float64
	GeoLongitude float64
}

type Registry struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

// OpenRegistry opens (creating if needed) the registry database at path.
func OpenRegistry(path string, log logx.Logger) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	r := &Registry{db: db, log: log, now: time.Now}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, string(b))
	return err
}

func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// EnsureUser returns the user with the given phone, creating one (with
// default environment presets) when none exists. A created user becomes
// current if no other user is.
func (r *Registry) EnsureUser(ctx context.Context, phone string) (User, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return User{}, errors.New("phone is required")
	}

	if u, err := r.userByPhone(ctx, phone); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	username, err := r.uniqueUsername(ctx, defaultUsername(phone))
	if err != nil {
		return User{}, err
	}

	now := r.now().UTC()
	u := User{
		ID:        uuid.NewString(),
		Username:  username,
		Phone:     phone,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var hasCurrent int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE is_current = 1`).Scan(&hasCurrent); err != nil {
		return User{}, err
	}
	u.Current = hasCurrent == 0

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users(id, username, phone, display_name, logged_in, is_current, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, u.Phone, u.DisplayName, boolInt(u.LoggedIn), boolInt(u.Current),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if err := r.seedPresets(ctx, u.ID); err != nil {
		r.log.Warn("seeding environment presets failed",
			logx.String("user_id", u.ID), logx.Any("err", err))
	}

	r.log.Info("user created",
		logx.String("user_id", u.ID), logx.String("username", u.Username))
	return u, nil
}

// Get returns a user by id.
func (r *Registry) Get(ctx context.Context, id string) (User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, username, phone, display_name, logged_in, is_current, created_at, updated_at
		 FROM users WHERE id = ?`, id))
}

func (r *Registry) userByPhone(ctx context.Context, phone string) (User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, username, phone, display_name, logged_in, is_current, created_at, updated_at
		 FROM users WHERE phone = ? ORDER BY created_at LIMIT 1`, phone))
}

// Current returns the active user, if any.
func (r *Registry) Current(ctx context.Context) (User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, username, phone, display_name, logged_in, is_current, created_at, updated_at
		 FROM users WHERE is_current = 1 LIMIT 1`))
}

// SetCurrent switches the active user.
func (r *Registry) SetCurrent(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET is_current = 1, updated_at = ? WHERE id = ?`,
		r.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET is_current = 0 WHERE id != ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetLoggedIn records the login state after a session authenticates or is
// found stale.
func (r *Registry) SetLoggedIn(ctx context.Context, id string, loggedIn bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET logged_in = ?, updated_at = ? WHERE id = ?`,
		boolInt(loggedIn), r.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns all users, newest first.
func (r *Registry) List(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, phone, display_name, logged_in, is_current, created_at, updated_at
		 FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Registry) scanUser(row rowScanner) (User, error) {
	var u User
	var loggedIn, current int
	var createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Username, &u.Phone, &u.DisplayName, &loggedIn, &current, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.LoggedIn = loggedIn != 0
	u.Current = current != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return u, nil
}

// uniqueUsername appends a numeric suffix until the name is free.
func (r *Registry) uniqueUsername(ctx context.Context, base string) (string, error) {
	name := base
	for i := 1; ; i++ {
		var n int
		if err := r.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM users WHERE username = ?`, name).Scan(&n); err != nil {
			return "", err
		}
		if n == 0 {
			return name, nil
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

func defaultUsername(phone string) string {
	tail := phone
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return "user_" + tail
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
