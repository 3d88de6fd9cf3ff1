package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Built-in presets seeded for every new user. One per desktop platform so a
// matching fingerprint is always available regardless of the host OS.
var presetEnvironments = []Environment{
	{
		Name:          "mac-desktop",
		Agent:         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Platform:      "MacIntel",
		Timezone:      "Asia/Shanghai",
		Locale:        "zh-CN",
		ViewportW:     1440,
		ViewportH:     900,
		WebGLVendor:   "Apple Inc.",
		WebGLRenderer: "Apple GPU",
	},
	{
		Name:          "win-desktop",
		Agent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Platform:      "Win32",
		Timezone:      "Asia/Shanghai",
		Locale:        "zh-CN",
		ViewportW:     1536,
		ViewportH:     864,
		WebGLVendor:   "Google Inc. (Intel)",
		WebGLRenderer: "ANGLE (Intel, Intel(R) HD Graphics Direct3D11)",
	},
}

func (r *Registry) seedPresets(ctx context.Context, userID string) error {
	now := r.now().UTC().Format(time.RFC3339Nano)
	for _, p := range presetEnvironments {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO environments(id, user_id, name, is_default, user_agent, platform, timezone_id, locale, viewport_w, viewport_h, proxy_server, proxy_username, proxy_password, webgl_vendor, webgl_renderer, geo_latitude, geo_longitude, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			uuid.NewString(), userID, p.Name, 0, p.Agent, p.Platform, p.Timezone, p.Locale,
			p.ViewportW, p.ViewportH, "", "", "", p.WebGLVendor, p.WebGLRenderer, 0.0, 0.0, now,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// AddEnvironment stores a custom environment. Marking it default clears the
// flag on the user's other environments.
func (r *Registry) AddEnvironment(ctx context.Context, env Environment) (string, error) {
	if env.UserID == "" {
		return "", errors.New("environment needs a user id")
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if env.Default {
		if _, err := tx.ExecContext(ctx,
			`UPDATE environments SET is_default = 0 WHERE user_id = ?`, env.UserID); err != nil {
			return "", err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO environments(id, user_id, name, is_default, user_agent, platform, timezone_id, locale, viewport_w, viewport_h, proxy_server, proxy_username, proxy_password, webgl_vendor, webgl_renderer, geo_latitude, geo_longitude, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		env.ID, env.UserID, env.Name, boolInt(env.Default), env.Agent, env.Platform,
		env.Timezone, env.Locale, env.ViewportW, env.ViewportH,
		env.ProxyServer, env.ProxyUsername, env.ProxyPassword,
		env.WebGLVendor, env.WebGLRenderer, env.GeoLatitude, env.GeoLongitude,
		r.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert environment: %w", err)
	}
	return env.ID, tx.Commit()
}

// Environments returns a user's environments, default first.
func (r *Registry) Environments(ctx context.Context, userID string) ([]Environment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, name, is_default, user_agent, platform, timezone_id, locale, viewport_w, viewport_h, proxy_server, proxy_username, proxy_password, webgl_vendor, webgl_renderer, geo_latitude, geo_longitude
		 FROM environments WHERE user_id = ?
		 ORDER BY is_default DESC, created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Environment
	for rows.Next() {
		var e Environment
		var def int
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &def, &e.Agent, &e.Platform,
			&e.Timezone, &e.Locale, &e.ViewportW, &e.ViewportH,
			&e.ProxyServer, &e.ProxyUsername, &e.ProxyPassword,
			&e.WebGLVendor, &e.WebGLRenderer, &e.GeoLatitude, &e.GeoLongitude); err != nil {
			return nil, err
		}
		e.Default = def != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// SelectEnvironment picks the environment a session should use: the user's
// explicit default if set, otherwise the preset whose platform matches the
// host OS (a mismatched platform string is an easy automation tell),
// otherwise the first available.
func (r *Registry) SelectEnvironment(ctx context.Context, userID string) (Environment, error) {
	return r.selectEnvironment(ctx, userID, runtime.GOOS)
}

func (r *Registry) selectEnvironment(ctx context.Context, userID, goos string) (Environment, error) {
	envs, err := r.Environments(ctx, userID)
	if err != nil {
		return Environment{}, err
	}
	if len(envs) == 0 {
		return Environment{}, sql.ErrNoRows
	}
	if envs[0].Default {
		return envs[0], nil
	}

	want := platformForOS(goos)
	for _, e := range envs {
		if e.Platform == want {
			return e, nil
		}
	}
	return envs[0], nil
}

func platformForOS(goos string) string {
	switch goos {
	case "darwin":
		return "MacIntel"
	case "windows":
		return "Win32"
	default:
		return "Linux x86_64"
	}
}
