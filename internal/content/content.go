// Package content supplies material for hotspot publishing: trend lookup,
// draft composition, and image sourcing. The network-backed implementations
// live with the host application; this package defines the seams and a
// deterministic offline fallback so a scheduled task never publishes empty.
package content

import "context"

// Trend is one trending topic from an external ranking.
type Trend struct {
	Keyword string
	Rank    int
	Source  string
	Heat    int64
}

// Draft is a composed post ready for the publisher.
type Draft struct {
	Title   string
	Content string
	Tags    []string
}

// Request carries the task context a generator composes from.
type Request struct {
	Keyword    string
	Source     string
	Rank       int
	UseContext bool
}

type TrendSource interface {
	// TopTrends returns up to n current trends from the named source.
	TopTrends(ctx context.Context, source string, n int) ([]Trend, error)
}

type Generator interface {
	Compose(ctx context.Context, req Request) (Draft, error)
}

type ImageSource interface {
	// Images returns local file paths for up to n images on the topic.
	Images(ctx context.Context, topic string, n int) ([]string, error)
}
