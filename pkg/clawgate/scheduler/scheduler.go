// Package scheduler turns persisted cron jobs and the workspace heartbeat
// into inbound messages on the bus.
//
// Jobs are evaluated on a fixed tick. A job is due when the latest
// scheduled instant not after now is later than its watermark. The new
// watermark is written to the job registry before the message is
// published, so evaluating the same tick twice fires once.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// DefaultTickSeconds is the evaluation period used when none is configured.
const DefaultTickSeconds = 30

// Metadata keys set on fired messages. The agent routes the reply by them.
const (
	MetaReplyChannel = "reply_channel"
	MetaReplyTo      = "reply_to"
	MetaJobID        = "job_id"
)

var (
	// ErrJobNotFound is returned by admin operations on unknown ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when Add is given an id already in use.
	ErrDuplicateJob = errors.New("job id already exists")
)

// Config is the scheduler section of the configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	TickSeconds int    `yaml:"tick_seconds"`
	JobsPath    string `yaml:"jobs_path"`
}

// DefaultConfig returns the stock scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		TickSeconds: DefaultTickSeconds,
		JobsPath:    "./data/cron/jobs.json",
	}
}

// Tick returns the evaluation period.
func (c Config) Tick() time.Duration {
	if c.TickSeconds <= 0 {
		return DefaultTickSeconds * time.Second
	}
	return time.Duration(c.TickSeconds) * time.Second
}

// Publisher is where fired jobs go.
type Publisher interface {
	PublishInbound(ctx context.Context, msg bus.InboundMessage) error
}

// Scheduler evaluates the job registry and administers it.
type Scheduler struct {
	jobs    *store.JobStore
	pub     Publisher
	metrics *metrics.Metrics
	tick    time.Duration

	// mu serializes ticks and admin operations within the process.
	mu sync.Mutex

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Scheduler over the registry at cfg.JobsPath.
func New(cfg Config, pub Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:   store.NewJobStore(cfg.JobsPath),
		pub:    pub,
		tick:   cfg.Tick(),
		now:    time.Now,
		logger: logger.With("component", "scheduler"),
	}
}

// SetMetrics attaches the firing counter.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Run evaluates jobs immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick", s.tick.String(), "jobs", s.jobs.Path())
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.logger.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

type firing struct {
	job store.CronJob
	at  time.Time
}

// Tick evaluates every enabled job at now and fires the due ones. It
// returns the number of messages published.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.advance(now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, f := range due {
		msg := s.message(f.job, f.at)
		if err := s.pub.PublishInbound(ctx, msg); err != nil {
			// The watermark has already moved; this firing is lost.
			s.logger.Error("failed to publish job", "id", f.job.ID, "error", err)
			continue
		}
		fired++
		s.metrics.CronFired(f.job.ID)
		s.logger.Info("job fired", "id", f.job.ID, "scheduled_at", f.at.Format(time.RFC3339))
	}
	return fired, nil
}

// advance moves the watermark of every due job and persists the registry.
func (s *Scheduler) advance(now time.Time) ([]firing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.jobs.Load()
	if err != nil {
		return nil, err
	}

	var due []firing
	for i := range jobs {
		j := &jobs[i]
		if !j.Enabled {
			continue
		}
		sched, err := Parse(j.Schedule, j.CreatedAt)
		if err != nil {
			s.logger.Warn("skipping job with invalid schedule", "id", j.ID, "schedule", j.Schedule, "error", err)
			continue
		}
		after := j.LastFiredWatermark
		if after.IsZero() {
			after = j.CreatedAt
		}
		at, ok := sched.Latest(after, now)
		if !ok {
			continue
		}
		j.LastFiredWatermark = at
		if sched.OneShot() {
			j.Enabled = false
		}
		due = append(due, firing{job: *j, at: at})
	}
	if len(due) == 0 {
		return nil, nil
	}
	if err := s.jobs.Save(jobs); err != nil {
		return nil, fmt.Errorf("persist watermarks: %w", err)
	}
	return due, nil
}

// message builds the inbound message for one firing. Each job talks to its
// own session so scheduled runs stay out of the user's conversation.
func (s *Scheduler) message(j store.CronJob, at time.Time) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    bus.ChannelCron,
		SenderID:   j.ID,
		ChatID:     j.TargetKey,
		SessionKey: "cron:" + j.ID,
		Text:       render(j, at),
		Timestamp:  s.now().UTC(),
		Metadata: map[string]string{
			MetaReplyChannel: j.TargetChannel,
			MetaReplyTo:      j.TargetKey,
			MetaJobID:        j.ID,
		},
	}
}

// render expands {{.Time}}, {{.JobID}} and {{.Schedule}} in the job's
// template. A template that fails to parse is sent verbatim.
func render(j store.CronJob, at time.Time) string {
	if !strings.Contains(j.MessageTemplate, "{{") {
		return j.MessageTemplate
	}
	tmpl, err := template.New(j.ID).Option("missingkey=zero").Parse(j.MessageTemplate)
	if err != nil {
		return j.MessageTemplate
	}
	var buf bytes.Buffer
	data := struct {
		Time     string
		JobID    string
		Schedule string
	}{at.Format(time.RFC3339), j.ID, j.Schedule}
	if err := tmpl.Execute(&buf, data); err != nil {
		return j.MessageTemplate
	}
	return buf.String()
}

// Add validates and stores a new job. The schedule is normalized, an id is
// generated when empty and CreatedAt is set. New jobs are always stored
// enabled; call Disable to pause one.
func (s *Scheduler) Add(job store.CronJob) (store.CronJob, error) {
	now := s.now().UTC()
	sched, err := Normalize(job.Schedule, now)
	if err != nil {
		return store.CronJob{}, err
	}
	if strings.TrimSpace(job.MessageTemplate) == "" {
		return store.CronJob{}, fmt.Errorf("job message is empty")
	}
	if strings.HasPrefix(sched, "at ") {
		parsed, _ := Parse(sched, now)
		if at, _ := parsed.Latest(time.Time{}, now); !at.IsZero() {
			return store.CronJob{}, fmt.Errorf("%w: %s is in the past", ErrInvalidSchedule, strings.TrimPrefix(sched, "at "))
		}
	}

	job.Schedule = sched
	if job.ID == "" {
		job.ID = uuid.NewString()[:8]
	}
	job.CreatedAt = now
	job.LastFiredWatermark = time.Time{}
	job.Enabled = true

	err = s.mutate(func(jobs []store.CronJob) ([]store.CronJob, error) {
		for _, j := range jobs {
			if j.ID == job.ID {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
			}
		}
		return append(jobs, job), nil
	})
	if err != nil {
		return store.CronJob{}, err
	}
	s.logger.Info("job added", "id", job.ID, "schedule", job.Schedule, "channel", job.TargetChannel, "enabled", job.Enabled)
	return job, nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	err := s.mutate(func(jobs []store.CronJob) ([]store.CronJob, error) {
		for i, j := range jobs {
			if j.ID == id {
				return append(jobs[:i], jobs[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	})
	if err == nil {
		s.logger.Info("job removed", "id", id)
	}
	return err
}

// Enable turns a job on.
func (s *Scheduler) Enable(id string) error { return s.setEnabled(id, true) }

// Disable turns a job off. Its watermark is kept.
func (s *Scheduler) Disable(id string) error { return s.setEnabled(id, false) }

func (s *Scheduler) setEnabled(id string, on bool) error {
	err := s.mutate(func(jobs []store.CronJob) ([]store.CronJob, error) {
		for i := range jobs {
			if jobs[i].ID == id {
				jobs[i].Enabled = on
				return jobs, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	})
	if err == nil {
		s.logger.Info("job updated", "id", id, "enabled", on)
	}
	return err
}

// List returns the stored jobs.
func (s *Scheduler) List() ([]store.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Load()
}

// mutate runs one load, change, atomic write cycle. Load returns a fresh
// slice, so fn may modify it in place.
func (s *Scheduler) mutate(fn func([]store.CronJob) ([]store.CronJob, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.jobs.Load()
	if err != nil {
		return err
	}
	next, err := fn(jobs)
	if err != nil {
		return err
	}
	return s.jobs.Save(next)
}
