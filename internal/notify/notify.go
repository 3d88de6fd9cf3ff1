// Package notify delivers core events to the embedding application's
// callbacks. Callbacks run on the notifier's goroutine, never on the worker
// or scheduler, so a slow host cannot stall publishing.
package notify

import (
	"context"

	"pubdesk/internal/eventbus"
	logx "pubdesk/pkg/logx"
)

// Callbacks is the host-facing surface. Nil members are skipped.
type Callbacks struct {
	OnTaskStarted          func(taskID string)
	OnTaskCompleted        func(taskID string)
	OnTaskFailed           func(taskID, reason string)
	OnLoginStatusChanged   func(text string, enabled bool)
	OnPreviewStatusChanged func(text string, enabled bool)
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	cb  Callbacks
}

func New(bus eventbus.Bus, cb Callbacks, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, bus: bus, cb: cb}
}

// Run pumps events to callbacks until ctx is canceled. Intended to run
// under the supervisor.
func (s *Service) Run(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.deliver(ev)
		}
	}
}

func (s *Service) deliver(ev eventbus.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("host callback panicked",
				logx.String("event", ev.Type), logx.Any("panic", r))
		}
	}()

	switch ev.Type {
	case eventbus.TypeTaskStarted:
		if te, ok := ev.Data.(eventbus.TaskEvent); ok && s.cb.OnTaskStarted != nil {
			s.cb.OnTaskStarted(te.TaskID)
		}
	case eventbus.TypeTaskCompleted:
		if te, ok := ev.Data.(eventbus.TaskEvent); ok && s.cb.OnTaskCompleted != nil {
			s.cb.OnTaskCompleted(te.TaskID)
		}
	case eventbus.TypeTaskFailed:
		if te, ok := ev.Data.(eventbus.TaskEvent); ok && s.cb.OnTaskFailed != nil {
			s.cb.OnTaskFailed(te.TaskID, te.Error)
		}
	case eventbus.TypeLoginStatus:
		if se, ok := ev.Data.(eventbus.StatusEvent); ok && s.cb.OnLoginStatusChanged != nil {
			s.cb.OnLoginStatusChanged(se.Text, se.Enabled)
		}
	case eventbus.TypePreviewStatus:
		if se, ok := ev.Data.(eventbus.StatusEvent); ok && s.cb.OnPreviewStatusChanged != nil {
			s.cb.OnPreviewStatusChanged(se.Text, se.Enabled)
		}
	}
}
