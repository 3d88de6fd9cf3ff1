// Package verify bridges an automated login flow to a human who receives
// one-time SMS codes out of band.
package verify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrTimeout  = errors.New("verification code wait timed out")
	ErrCanceled = errors.New("verification canceled")
	ErrBusy     = errors.New("a verification request is already pending")
)

// Prompter is invoked when a code is needed, typically to surface an input
// field in the host UI. Called on the gate's goroutine; must not block.
type Prompter func(phone string)

// Gate accepts at most one outstanding code request at a time. The login
// flow calls RequestCode and blocks; the host delivers the user's input via
// Submit or aborts via Cancel.
type Gate struct {
	prompter Prompter

	mu      sync.Mutex
	pending chan string
	cancel  chan struct{}
}

func NewGate(prompter Prompter) *Gate {
	return &Gate{prompter: prompter}
}

// RequestCode prompts the human and waits for a code until ctx expires or
// timeout elapses. Returns ErrBusy if another request is outstanding.
func (g *Gate) RequestCode(ctx context.Context, phone string, timeout time.Duration) (string, error) {
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return "", ErrBusy
	}
	pending := make(chan string, 1)
	cancel := make(chan struct{})
	g.pending = pending
	g.cancel = cancel
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.pending == pending {
			g.pending = nil
			g.cancel = nil
		}
		g.mu.Unlock()
	}()

	if g.prompter != nil {
		g.prompter(phone)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case code := <-pending:
		return code, nil
	case <-cancel:
		return "", ErrCanceled
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Submit delivers a code to the waiting request. Returns false when nothing
// is waiting or the code is empty.
func (g *Gate) Submit(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return false
	}
	select {
	case g.pending <- code:
		return true
	default:
		return false
	}
}

// Cancel aborts the waiting request, if any.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		close(g.cancel)
		g.cancel = nil
		g.pending = nil
	}
}

// Waiting reports whether a code request is currently outstanding.
func (g *Gate) Waiting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}
