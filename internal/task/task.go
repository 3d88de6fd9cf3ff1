package task

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Type string

const (
	TypeFixed   Type = "fixed"
	TypeHotspot Type = "hotspot"
)

// DefaultMaxRetries applies when a spec leaves max_retries unset.
const DefaultMaxRetries = 3

// timeLayout is the on-disk timestamp format. Wall-clock local time, no
// zone suffix, so the store file stays editable by hand.
const timeLayout = "2006-01-02 15:04:05"

// Time wraps time.Time with the store's JSON layout.
type Time struct {
	time.Time
}

func At(t time.Time) Time { return Time{t.Truncate(time.Second)} }

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.Format(timeLayout) + `"`), nil
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		// Tolerate RFC3339 from older exports.
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

// ScheduledTask is a single unit of scheduled publishing work.
//
// Status and retry fields are mutated only by the scheduler; identity and
// content fields are fixed at creation.
type ScheduledTask struct {
	TaskID       string `json:"task_id"`
	UserID       string `json:"user_id,omitempty"`
	Type         Type   `json:"task_type"`
	Status       Status `json:"status"`
	Title        string `json:"title,omitempty"`
	Content      string `json:"content,omitempty"`
	// Images are stable local paths, staged into the task's asset directory
	// at creation so later edits to the originals cannot corrupt the task.
	Images       []string `json:"images,omitempty"`
	ScheduleTime Time     `json:"schedule_time"`
	CreatedAt    Time     `json:"created_at"`
	UpdatedAt    Time     `json:"updated_at"`
	CompletedAt  Time     `json:"completed_at,omitempty"`

	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Hotspot-only fields.
	IntervalHours     float64 `json:"interval_hours,omitempty"`
	HotspotSource     string  `json:"hotspot_source,omitempty"`
	HotspotRank       int     `json:"hotspot_rank,omitempty"`
	UseHotspotContext bool    `json:"use_hotspot_context,omitempty"`

	// Rendering pass-through, forwarded to the publisher unchanged.
	CoverTemplateID string `json:"cover_template_id,omitempty"`
	PageCount       int    `json:"page_count,omitempty"`
}

// Spec is the caller-facing description of a task to create.
type Spec struct {
	UserID       string
	Type         Type
	Title        string
	Content      string
	Images       []string
	ScheduleTime time.Time
	MaxRetries   int

	IntervalHours     float64
	HotspotSource     string
	HotspotRank       int
	UseHotspotContext bool

	CoverTemplateID string
	PageCount       int
}

// NewTaskID derives a stable id from the creation instant and a content hash.
// Format: task_<unixtime>_<hash%10000>.
func NewTaskID(now time.Time, title, content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("task_%d_%04d", now.Unix(), h.Sum64()%10000)
}

func newTask(spec Spec, now time.Time) *ScheduledTask {
	typ := spec.Type
	if typ == "" {
		typ = TypeFixed
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	sched := spec.ScheduleTime
	if sched.IsZero() {
		sched = now
	}
	return &ScheduledTask{
		TaskID:            NewTaskID(now, spec.Title, spec.Content),
		UserID:            strings.TrimSpace(spec.UserID),
		Type:              typ,
		Status:            StatusPending,
		Title:             spec.Title,
		Content:           spec.Content,
		Images:            append([]string(nil), spec.Images...),
		ScheduleTime:      At(sched),
		CreatedAt:         At(now),
		UpdatedAt:         At(now),
		MaxRetries:        maxRetries,
		IntervalHours:     spec.IntervalHours,
		HotspotSource:     spec.HotspotSource,
		HotspotRank:       spec.HotspotRank,
		UseHotspotContext: spec.UseHotspotContext,
		CoverTemplateID:   spec.CoverTemplateID,
		PageCount:         spec.PageCount,
	}
}

func (t *ScheduledTask) clone() *ScheduledTask {
	cp := *t
	cp.Images = append([]string(nil), t.Images...)
	return &cp
}

// Due reports whether the task should be dispatched at the given instant.
func (t *ScheduledTask) Due(now time.Time) bool {
	return t.Status == StatusPending && !t.ScheduleTime.After(now)
}

// Interval returns the hotspot re-arm cadence as a duration.
func (t *ScheduledTask) Interval() time.Duration {
	return time.Duration(t.IntervalHours * float64(time.Hour))
}
