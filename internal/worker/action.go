package worker

import (
	"github.com/google/uuid"

	"pubdesk/internal/session"
	"pubdesk/internal/task"
)

// Kind selects how the worker handles an action.
type Kind string

const (
	KindLogin            Kind = "login"
	KindPreview          Kind = "preview"
	KindScheduledPublish Kind = "scheduled_publish"
)

// Action is one unit of queued browser work. Exactly one action is in
// flight at a time.
type Action struct {
	ID   string
	Kind Kind

	// login
	UserID string
	Phone  string

	// preview
	Post session.Post

	// scheduled_publish
	Task task.ScheduledTask
}

// NewLogin builds a login action for the given phone (the user record is
// resolved or created when the action runs).
func NewLogin(phone string) Action {
	return Action{ID: uuid.NewString(), Kind: KindLogin, Phone: phone}
}

// NewPreview builds a preview action against the live session.
func NewPreview(post session.Post) Action {
	post.AutoPublish = false
	return Action{ID: uuid.NewString(), Kind: KindPreview, Post: post}
}

// NewScheduledPublish builds a publish action for a dispatched task.
func NewScheduledPublish(t task.ScheduledTask) Action {
	return Action{ID: uuid.NewString(), Kind: KindScheduledPublish, UserID: t.UserID, Task: t}
}
