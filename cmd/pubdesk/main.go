// Command pubdesk manages the scheduled-publishing task store from the
// terminal. The publishing daemon itself is composed via internal/app by a
// host that supplies the browser driver; this binary covers everything that
// works without one: adding, inspecting, and maintaining tasks, and
// validating config files.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pubdesk/internal/config"
	"pubdesk/internal/task"
	logx "pubdesk/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.Parse()

	if err := run(cfgPath, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cfgPath string, args []string) error {
	if len(args) == 0 {
		usage()
		return nil
	}

	cmd, rest := args[0], args[1:]
	if cmd == "check" {
		return checkConfig(cfgPath)
	}

	store, err := openStore(cfgPath)
	if err != nil {
		return err
	}

	switch cmd {
	case "add":
		return addTask(store, rest)
	case "list":
		return listTasks(store)
	case "remove":
		if len(rest) != 1 {
			return fmt.Errorf("usage: pubdesk remove <task_id>")
		}
		if !store.Remove(rest[0]) {
			return fmt.Errorf("no such task: %s", rest[0])
		}
		fmt.Println("removed", rest[0])
		return nil
	case "clear":
		fmt.Printf("cleared %d completed tasks\n", store.ClearCompleted())
		return nil
	case "stats":
		st := store.Stats()
		fmt.Printf("total %d  pending %d  running %d  completed %d  failed %d\n",
			st.Total, st.Pending, st.Running, st.Completed, st.Failed)
		return nil
	case "export":
		if len(rest) != 1 {
			return fmt.Errorf("usage: pubdesk export <path>")
		}
		return store.Export(rest[0])
	case "import":
		if len(rest) != 1 {
			return fmt.Errorf("usage: pubdesk import <path>")
		}
		n, err := store.Import(rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("imported %d tasks\n", n)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: pubdesk [-config path] <command>

commands:
  add      add a scheduled task (see pubdesk add -h)
  list     list all tasks
  remove   remove a task by id
  clear    drop completed tasks
  stats    print task counts
  export   export tasks to a json file
  import   import tasks from a json file
  check    validate the config file and exit`)
}

func checkConfig(cfgPath string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	fmt.Println("config ok")
	return nil
}

func openStore(cfgPath string) (*task.Store, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	dataDir, err := cfg.EffectiveDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "scheduled_assets"), 0o755); err != nil {
		return nil, err
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "tasks"))
	return task.OpenStore(filepath.Join(dataDir, "tasks.json"), log,
		task.WithAssetRoot(filepath.Join(dataDir, "scheduled_assets")))
}

func addTask(store *task.Store, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	var (
		title    = fs.String("title", "", "post title")
		body     = fs.String("content", "", "post body")
		images   = fs.String("images", "", "comma-separated image paths")
		at       = fs.String("at", "", "schedule time, e.g. \"2026-09-01 08:30:00\" (default: now)")
		typ      = fs.String("type", "fixed", "task type: fixed or hotspot")
		interval = fs.Float64("interval", 24, "hours between hotspot repeats")
		source   = fs.String("source", "", "hotspot trend source")
		rank     = fs.Int("rank", 0, "hotspot trend rank (0-based)")
		userID   = fs.String("user", "", "publish as this user id (default: current)")
		retries  = fs.Int("max-retries", 0, "retry budget (default from config)")
		cover    = fs.String("cover", "", "cover template id")
		pages    = fs.Int("pages", 0, "rendered page count")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	spec := task.Spec{
		UserID:          *userID,
		Title:           *title,
		Content:         *body,
		MaxRetries:      *retries,
		CoverTemplateID: *cover,
		PageCount:       *pages,
	}
	switch *typ {
	case "fixed":
		spec.Type = task.TypeFixed
		if strings.TrimSpace(*title) == "" {
			return fmt.Errorf("-title is required for fixed tasks")
		}
	case "hotspot":
		spec.Type = task.TypeHotspot
		spec.IntervalHours = *interval
		spec.HotspotSource = *source
		spec.HotspotRank = *rank
		spec.UseHotspotContext = true
	default:
		return fmt.Errorf("unknown task type: %s", *typ)
	}
	if *images != "" {
		for _, p := range strings.Split(*images, ",") {
			if p = strings.TrimSpace(p); p != "" {
				spec.Images = append(spec.Images, p)
			}
		}
	}
	if *at != "" {
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", *at, time.Local)
		if err != nil {
			return fmt.Errorf("-at: %w", err)
		}
		spec.ScheduleTime = ts
	}

	id, err := store.Add(spec)
	if err != nil {
		return err
	}
	fmt.Println("added", id)
	return nil
}

func listTasks(store *task.Store) error {
	tasks := store.List()
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%-24s %-9s %-8s %s  %q",
			t.TaskID, t.Status, t.Type, t.ScheduleTime.Format("2006-01-02 15:04:05"), t.Title)
		if t.RetryCount > 0 {
			line += fmt.Sprintf("  retries=%d/%d", t.RetryCount, t.MaxRetries)
		}
		if t.ErrorMessage != "" {
			line += "  err=" + t.ErrorMessage
		}
		fmt.Println(line)
	}
	return nil
}
