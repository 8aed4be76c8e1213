package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// JobAdmin is the scheduler's administrative surface.
type JobAdmin interface {
	Add(job store.CronJob) (store.CronJob, error)
	Remove(id string) error
	Enable(id string) error
	Disable(id string) error
	List() ([]store.CronJob, error)
}

// CronTool lets the model manage scheduled jobs.
type CronTool struct {
	admin JobAdmin
}

// NewCronTool creates the cron tool.
func NewCronTool(admin JobAdmin) *CronTool { return &CronTool{admin: admin} }

func (t *CronTool) Name() string { return "cron" }
func (t *CronTool) Kind() Kind   { return KindScheduler }

func (t *CronTool) Description() string {
	return "Manage scheduled jobs. Schedules: \"every 5m\", \"@every 1h\", \"at 2026-01-02T15:04:05Z\" or a 5-field cron expression."
}

func (t *CronTool) Schema() json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["add", "list", "remove", "enable", "disable"]},
		"id": {"type": "string"},
		"schedule": {"type": "string"},
		"message": {"type": "string", "description": "Message delivered to the agent when the job fires"},
		"channel": {"type": "string"},
		"target": {"type": "string"}
	},
	"required": ["action"]
}`)
}

func (t *CronTool) Execute(_ context.Context, inv Invocation) (Result, error) {
	var args struct {
		Action   string `json:"action"`
		ID       string `json:"id"`
		Schedule string `json:"schedule"`
		Message  string `json:"message"`
		Channel  string `json:"channel"`
		Target   string `json:"target"`
	}
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return Result{}, err
	}

	switch args.Action {
	case "add":
		if args.Schedule == "" || args.Message == "" {
			return Result{}, fmt.Errorf("schedule and message are required")
		}
		job := store.CronJob{
			ID:              args.ID,
			Schedule:        args.Schedule,
			MessageTemplate: args.Message,
			TargetChannel:   firstNonEmpty(args.Channel, inv.Channel),
			TargetKey:       firstNonEmpty(args.Target, inv.ChatID),
			Enabled:         true,
		}
		added, err := t.admin.Add(job)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: fmt.Sprintf("Scheduled job %s (%s)", added.ID, added.Schedule)}, nil

	case "list":
		jobs, err := t.admin.List()
		if err != nil {
			return Result{}, err
		}
		if len(jobs) == 0 {
			return Result{Text: "No scheduled jobs."}, nil
		}
		var b strings.Builder
		for _, j := range jobs {
			state := "enabled"
			if !j.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(&b, "%s\t%s\t%s\t%s:%s\t%q\n", j.ID, j.Schedule, state, j.TargetChannel, j.TargetKey, j.MessageTemplate)
		}
		return Result{Text: strings.TrimRight(b.String(), "\n")}, nil

	case "remove", "enable", "disable":
		if args.ID == "" {
			return Result{}, fmt.Errorf("id is required for %s", args.Action)
		}
		var err error
		switch args.Action {
		case "remove":
			err = t.admin.Remove(args.ID)
		case "enable":
			err = t.admin.Enable(args.ID)
		default:
			err = t.admin.Disable(args.ID)
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Text: fmt.Sprintf("Job %s: %sd", args.ID, args.Action)}, nil
	}
	return Result{}, fmt.Errorf("unknown action %q", args.Action)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
