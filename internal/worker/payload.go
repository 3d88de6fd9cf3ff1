package worker

import (
	"context"
	"fmt"
	"path/filepath"

	"pubdesk/internal/content"
	"pubdesk/internal/session"
	"pubdesk/internal/task"
	logx "pubdesk/pkg/logx"
)

// buildPayload turns a dispatched task into the publisher's Post. Hotspot
// tasks are synthesized at publish time so they track the current trend;
// fixed tasks pass through as stored. Tasks without images get generated
// placeholders, since the platform rejects image-less posts.
func (w *Worker) buildPayload(ctx context.Context, t *task.ScheduledTask) (session.Post, error) {
	post := session.Post{
		Title:           t.Title,
		Content:         t.Content,
		Images:          append([]string(nil), t.Images...),
		AutoPublish:     true,
		CoverTemplateID: t.CoverTemplateID,
		PageCount:       t.PageCount,
	}

	if t.Type == task.TypeHotspot {
		draft, err := w.composeHotspot(ctx, t)
		if err != nil {
			return session.Post{}, err
		}
		post.Title = draft.Title
		post.Content = draft.Content
		post.Tags = draft.Tags
	}

	if len(post.Images) == 0 {
		post.Images = w.sourceImages(ctx, t, post.Title)
	}
	if len(post.Images) == 0 {
		return session.Post{}, fmt.Errorf("no images available for task %s", t.TaskID)
	}
	return post, nil
}

func (w *Worker) composeHotspot(ctx context.Context, t *task.ScheduledTask) (content.Draft, error) {
	keyword := t.Title

	// Ranks are 1-based; anything below 1 means "the top trend".
	rank := t.HotspotRank
	if rank < 1 {
		rank = 1
	}

	if w.trends != nil {
		trends, err := w.trends.TopTrends(ctx, t.HotspotSource, rank)
		switch {
		case err != nil:
			w.log.Warn("trend lookup failed; using task title",
				logx.String("task_id", t.TaskID), logx.Any("err", err))
		case len(trends) >= rank:
			keyword = trends[rank-1].Keyword
		case len(trends) > 0:
			// Short list: take the top trend rather than a wrong slot.
			keyword = trends[0].Keyword
		}
	}
	if keyword == "" {
		return content.Draft{}, fmt.Errorf("hotspot task %s has no keyword", t.TaskID)
	}

	gen := w.generator
	if gen == nil {
		gen = content.FallbackComposer{}
	}
	req := content.Request{
		Keyword:    keyword,
		Source:     t.HotspotSource,
		Rank:       t.HotspotRank,
		UseContext: t.UseHotspotContext,
	}
	draft, err := gen.Compose(ctx, req)
	if err != nil {
		w.log.Warn("content generator failed; using fallback",
			logx.String("task_id", t.TaskID), logx.Any("err", err))
		return content.FallbackComposer{}.Compose(ctx, req)
	}
	return draft, nil
}

// sourceImages asks the image source first, then generates placeholders.
// Never fails: worst case is a plain cover plus two content pages.
func (w *Worker) sourceImages(ctx context.Context, t *task.ScheduledTask, topic string) []string {
	pages := t.PageCount
	if pages < 2 {
		pages = 2
	}
	if w.images != nil {
		paths, err := w.images.Images(ctx, topic, pages)
		if err != nil {
			w.log.Warn("image source failed; generating placeholders",
				logx.String("task_id", t.TaskID), logx.Any("err", err))
		} else if len(paths) > 0 {
			return paths
		}
	}

	dir := filepath.Join(w.dataDir, "generated", t.TaskID)
	paths, err := content.GeneratePlaceholders(dir, topic, t.PageCount)
	if err != nil {
		w.log.Warn("placeholder generation failed",
			logx.String("task_id", t.TaskID), logx.Any("err", err))
		return nil
	}
	return paths
}
