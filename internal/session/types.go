// Package session owns the browser session lifecycle for one platform user:
// launch, login recovery, credential snapshots, publishing, and teardown.
// DOM automation itself sits behind the Engine/Browser/Publisher seams so
// the core stays independent of any particular automation backend.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotAuthenticated = errors.New("session is not authenticated")
	ErrAuthFault        = errors.New("session hit an authentication fault")
	ErrClosed           = errors.New("session is closed")
	ErrNoExecutable     = errors.New("no usable browser executable found")

	// ErrUnverified is returned by a Publisher when a publish was submitted
	// but no success signal appeared within the verification window. The
	// session treats it as success after capturing a debug bundle.
	ErrUnverified = errors.New("publish submitted but not verified")
)

// State is the session's position in its login lifecycle.
type State string

const (
	StateUninitialized        State = "uninitialized"
	StateLaunching            State = "launching"
	StateFresh                State = "fresh"
	StateProfileBootstrapped  State = "persistent_profile_bootstrapped"
	StateAuthenticating       State = "authenticating"
	StateAuthenticated        State = "authenticated"
	StateLoginRequired        State = "unauthenticated"
	StateClosed               State = "closed"
)

// Cookie is the snapshot-portable subset of a browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageState is a full credential snapshot: cookies plus structured
// storage, keyed by origin.
type StorageState struct {
	Cookies []Cookie                     `json:"cookies"`
	Origins map[string]map[string]string `json:"origins,omitempty"`
}

// Proxy carries upstream proxy settings for a launch.
type Proxy struct {
	Server   string
	Username string
	Password string
}

// LaunchSpec is everything an Engine needs to open a browser.
type LaunchSpec struct {
	ExecutablePath   string
	UserDataDir      string
	ProfileDirectory string
	Headless         bool
	Args             []string
	Proxy            *Proxy
	Fingerprint      *Fingerprint
	InitScript       string
	Timeout          time.Duration
}

// Engine opens browser instances. Implementations adapt a concrete
// automation backend.
type Engine interface {
	// LaunchPersistent opens a browser bound to a reusable profile dir.
	LaunchPersistent(ctx context.Context, spec LaunchSpec) (Browser, error)
	// Launch opens a throwaway browser with no profile on disk.
	Launch(ctx context.Context, spec LaunchSpec) (Browser, error)
}

// Browser is one live automation target.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)

	// ProbeStatus fetches url within the page session and returns the HTTP
	// status, used as the logged-in check.
	ProbeStatus(ctx context.Context, url string) (int, error)

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	ClearCookies(ctx context.Context) error
	StorageState(ctx context.Context) (StorageState, error)
	RestoreStorage(ctx context.Context, st StorageState) error

	// OnAuthFault registers a callback fired when the backend observes a
	// 401/403 on a platform endpoint or an unexpected navigation to the
	// login page.
	OnAuthFault(fn func(reason string))

	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)

	Close(ctx context.Context) error
}

// Post is the payload handed to the Publisher.
type Post struct {
	Title       string
	Content     string
	Images      []string
	Tags        []string
	AutoPublish bool

	// Rendering pass-through, opaque to the core.
	CoverTemplateID string
	PageCount       int
}

// Publisher performs the platform's DOM flows on an open Browser.
type Publisher interface {
	// PostArticle fills and submits the publish form. autoPublish=false
	// stops at the preview step. May return ErrUnverified.
	PostArticle(ctx context.Context, b Browser, post Post) error
}

// LoginAutomator is an optional fine-grained interface a Publisher can also
// implement to drive the SMS login form. Without it the session falls back
// to waiting for the human to log in manually in the opened window.
type LoginAutomator interface {
	FillPhone(ctx context.Context, b Browser, phone string) error
	SendCode(ctx context.Context, b Browser) error
	SubmitCode(ctx context.Context, b Browser, code string) error
}
