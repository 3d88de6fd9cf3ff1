package user

import (
	"context"
	"path/filepath"
	"testing"

	logx "pubdesk/pkg/logx"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenRegistry(filepath.Join(t.TempDir(), "users.db"), logx.Nop())
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestEnsureUserCreatesOnce(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	u, err := r.EnsureUser(ctx, "13800001234")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if u.Username != "user_1234" {
		t.Fatalf("Username = %q", u.Username)
	}
	if !u.Current {
		t.Fatal("first user should be current")
	}

	again, err := r.EnsureUser(ctx, "13800001234")
	if err != nil {
		t.Fatalf("EnsureUser (existing): %v", err)
	}
	if again.ID != u.ID {
		t.Fatalf("duplicate user created: %s vs %s", again.ID, u.ID)
	}
}

func TestUsernameUniquified(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	a, err := r.EnsureUser(ctx, "13900001234")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	// Different phone, same last-4 digits, so same base username.
	b, err := r.EnsureUser(ctx, "13700001234")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("username collision: %q", a.Username)
	}
	if b.Username != "user_1234_1" {
		t.Fatalf("Username = %q", b.Username)
	}
}

func TestSetCurrentSwitches(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	a, _ := r.EnsureUser(ctx, "13000000001")
	b, _ := r.EnsureUser(ctx, "13000000002")

	if err := r.SetCurrent(ctx, b.ID); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
	cur, err := r.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.ID != b.ID {
		t.Fatalf("current = %s, want %s", cur.ID, b.ID)
	}
	gotA, _ := r.Get(ctx, a.ID)
	if gotA.Current {
		t.Fatal("previous user still current")
	}

	if err := r.SetCurrent(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestSetLoggedIn(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	u, _ := r.EnsureUser(ctx, "13100000001")
	if err := r.SetLoggedIn(ctx, u.ID, true); err != nil {
		t.Fatalf("SetLoggedIn: %v", err)
	}
	got, _ := r.Get(ctx, u.ID)
	if !got.LoggedIn {
		t.Fatal("logged_in not persisted")
	}
}

func TestSelectEnvironmentPrefersOSMatch(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	u, _ := r.EnsureUser(ctx, "13200000001")

	env, err := r.selectEnvironment(ctx, u.ID, "darwin")
	if err != nil {
		t.Fatalf("selectEnvironment: %v", err)
	}
	if env.Platform != "MacIntel" {
		t.Fatalf("Platform = %q", env.Platform)
	}

	env, err = r.selectEnvironment(ctx, u.ID, "windows")
	if err != nil {
		t.Fatalf("selectEnvironment: %v", err)
	}
	if env.Platform != "Win32" {
		t.Fatalf("Platform = %q", env.Platform)
	}
}

func TestEnvironmentFingerprintFieldsPersist(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	u, err := r.EnsureUser(ctx, "13800005678")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	id, err := r.AddEnvironment(ctx, Environment{
		UserID:        u.ID,
		Name:          "spoofed",
		Default:       true,
		Platform:      "MacIntel",
		WebGLVendor:   "Apple Inc.",
		WebGLRenderer: "Apple GPU",
		GeoLatitude:   31.2304,
		GeoLongitude:  121.4737,
	})
	if err != nil {
		t.Fatalf("AddEnvironment: %v", err)
	}

	envs, err := r.Environments(ctx, u.ID)
	if err != nil {
		t.Fatalf("Environments: %v", err)
	}
	var got Environment
	for _, e := range envs {
		if e.ID == id {
			got = e
		}
	}
	if got.WebGLVendor != "Apple Inc." || got.WebGLRenderer != "Apple GPU" {
		t.Fatalf("webgl = %q / %q", got.WebGLVendor, got.WebGLRenderer)
	}
	if got.GeoLatitude != 31.2304 || got.GeoLongitude != 121.4737 {
		t.Fatalf("geo = %v / %v", got.GeoLatitude, got.GeoLongitude)
	}

	// Presets carry platform-matched GPU strings.
	var mac Environment
	for _, e := range envs {
		if e.Name == "mac-desktop" {
			mac = e
		}
	}
	if mac.WebGLVendor == "" || mac.WebGLRenderer == "" {
		t.Fatalf("mac preset missing webgl fields: %+v", mac)
	}
}

func TestSelectEnvironmentHonorsDefault(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	u, _ := r.EnsureUser(ctx, "13300000001")
	id, err := r.AddEnvironment(ctx, Environment{
		UserID:   u.ID,
		Name:     "custom",
		Default:  true,
		Platform: "Linux x86_64",
		Agent:    "custom-agent",
	})
	if err != nil {
		t.Fatalf("AddEnvironment: %v", err)
	}

	env, err := r.selectEnvironment(ctx, u.ID, "darwin")
	if err != nil {
		t.Fatalf("selectEnvironment: %v", err)
	}
	if env.ID != id {
		t.Fatalf("selected %q, want custom default %q", env.ID, id)
	}
}
