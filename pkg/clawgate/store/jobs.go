package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const defaultJobsPath = "./data/cron/jobs.json"

// CronJob is the persisted record of a scheduled job.
type CronJob struct {
	ID              string `json:"id"`
	Schedule        string `json:"schedule"`
	MessageTemplate string `json:"message_template"`
	TargetChannel   string `json:"target_channel"`
	TargetKey       string `json:"target_key"`
	Enabled         bool   `json:"enabled"`

	// LastFiredWatermark is the scheduled instant of the last firing. It only
	// ever moves forward.
	LastFiredWatermark time.Time `json:"last_fired_watermark"`

	CreatedAt time.Time `json:"created_at"`
}

type jobsFile struct {
	Jobs []CronJob `json:"jobs"`
}

// JobStore reads and writes the job registry document.
type JobStore struct {
	path string
}

// NewJobStore returns a JobStore backed by path.
func NewJobStore(path string) *JobStore {
	if path == "" {
		path = defaultJobsPath
	}
	return &JobStore{path: path}
}

// Path returns the registry file location.
func (s *JobStore) Path() string { return s.path }

// Load returns every stored job. A missing registry yields an empty slice.
func (s *JobStore) Load() ([]CronJob, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []CronJob{}, nil
		}
		return nil, fmt.Errorf("read jobs %q: %w", s.path, err)
	}
	var doc jobsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode jobs %q: %w", s.path, err)
	}
	if doc.Jobs == nil {
		doc.Jobs = []CronJob{}
	}
	return doc.Jobs, nil
}

// Save replaces the registry atomically.
func (s *JobStore) Save(jobs []CronJob) error {
	if jobs == nil {
		jobs = []CronJob{}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("%w: create jobs dir: %v", ErrPersistence, err)
	}
	return WriteJSONAtomic(s.path, jobsFile{Jobs: jobs}, 0o600)
}
