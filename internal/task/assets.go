package task

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	logx "pubdesk/pkg/logx"
)

// stageAssets copies task images into root/<taskID>/ so later edits to the
// originals cannot affect a pending task. The first image becomes the cover.
//
// Naming: cover.<ext>, content_1.<ext>, content_2.<ext>, ...
//
// Missing sources are skipped; a failed copy falls back to the source path
// so the task still references something usable. Returns the staged paths
// in input order and the first copy error, if any.
func stageAssets(root, taskID string, images []string, log logx.Logger) ([]string, error) {
	dir := filepath.Join(root, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}

	var firstErr error
	staged := make([]string, 0, len(images))
	idx := 0
	for _, src := range images {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			log.Warn("task image missing; skipping",
				logx.String("task_id", taskID), logx.String("path", src))
			continue
		}

		var name string
		if idx == 0 {
			name = "cover" + filepath.Ext(src)
		} else {
			name = fmt.Sprintf("content_%d%s", idx, filepath.Ext(src))
		}
		dst := filepath.Join(dir, name)

		if err := copyFile(src, dst); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			staged = append(staged, src)
		} else {
			staged = append(staged, dst)
		}
		idx++
	}
	return staged, firstErr
}

// removeAssets deletes a task's asset directory. Best effort.
func removeAssets(root, taskID string, log logx.Logger) {
	if taskID == "" {
		return
	}
	dir := filepath.Join(root, taskID)
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("asset dir cleanup failed",
			logx.String("task_id", taskID), logx.Any("err", err))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
