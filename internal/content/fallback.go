package content

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// maxTitleRunes is the platform's title length limit.
const maxTitleRunes = 20

var titleTemplates = []string{
	"%s最近也太火了",
	"聊聊%s这件事",
	"%s值得关注吗",
	"今天都在说%s",
	"%s背后的三个细节",
}

var bodyOpeners = []string{
	"刷到这个话题的时候,第一反应是它为什么突然火了。",
	"这两天到处都能看到这个话题,整理了一些观察。",
	"围观了一圈讨论,把有价值的信息汇总在这里。",
}

var bodyPoints = []string{
	"热度来得快,但真正有用的信息不多,建议先看官方来源。",
	"评论区的观点两极分化,值得自己判断而不是跟风。",
	"类似的话题之前也出现过,这次的不同点在于传播速度。",
	"如果只想快速了解,记住关键词再搜一手信息就够了。",
}

// FallbackComposer builds a usable draft from nothing but the trend keyword.
// Deterministic for a given request so retries publish identical content.
type FallbackComposer struct{}

func (FallbackComposer) Compose(_ context.Context, req Request) (Draft, error) {
	keyword := strings.TrimSpace(req.Keyword)
	if keyword == "" {
		return Draft{}, fmt.Errorf("compose: keyword is required")
	}

	seed := hashString(req.Source + "|" + keyword)

	title := fmt.Sprintf(titleTemplates[seed%uint64(len(titleTemplates))], keyword)
	title = truncateRunes(title, maxTitleRunes)

	var b strings.Builder
	b.WriteString(bodyOpeners[seed%uint64(len(bodyOpeners))])
	b.WriteString("\n\n")
	// Two rotating points keep retried posts stable but different per topic.
	first := int(seed % uint64(len(bodyPoints)))
	second := int((seed / 7) % uint64(len(bodyPoints)))
	if second == first {
		second = (second + 1) % len(bodyPoints)
	}
	fmt.Fprintf(&b, "1. %s\n2. %s\n", bodyPoints[first], bodyPoints[second])

	tags := dedupTags([]string{keyword, req.Source, "热点"})
	b.WriteString("\n")
	for _, tag := range tags {
		fmt.Fprintf(&b, "#%s ", tag)
	}

	return Draft{
		Title:   title,
		Content: strings.TrimSpace(b.String()),
		Tags:    tags,
	}, nil
}

func dedupTags(raw []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(strings.TrimPrefix(t, "#"))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
