package jobstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dante-gpu/asset-worker/internal/models"
)

// FileName is the state record's name inside a job workspace.
const FileName = ".jobstate.json"

// StageRecord is what is known about one stage of a job.
type StageRecord struct {
	State       models.StageState `json:"state"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	ArtifactURL string            `json:"artifact_url,omitempty"`
	Runs        int               `json:"runs"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Record is the structured state of a job, kept next to its workspace so a
// redelivered message can tell what an earlier attempt already did.
type Record struct {
	JobID       string                  `json:"job_id"`
	Kind        models.JobKind          `json:"kind"`
	Attempts    int                     `json:"attempts"`
	InputsReady bool                    `json:"inputs_ready"`
	Stages      map[string]*StageRecord `json:"stages"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// Stage returns the record for name, creating it when absent.
func (r *Record) Stage(name string) *StageRecord {
	if r.Stages == nil {
		r.Stages = make(map[string]*StageRecord)
	}
	s, ok := r.Stages[name]
	if !ok {
		s = &StageRecord{State: models.StagePending}
		r.Stages[name] = s
	}
	return s
}

// Published returns the recorded artifact URL of a stage, if any.
func (r *Record) Published(name string) (string, bool) {
	s, ok := r.Stages[name]
	if !ok || s.ArtifactURL == "" {
		return "", false
	}
	return s.ArtifactURL, true
}

// Store persists the Record of one workspace.
//
// Layout:
//
//	<workspace>/.jobstate.json
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore returns a store for the workspace at dir.
func NewStore(dir string) *Store {
	return &Store{dir: strings.TrimSpace(dir)}
}

// Path returns the record's file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Load reads the record. A missing file yields a fresh record for jobID.
func (s *Store) Load(jobID string, kind models.JobKind) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return &Record{JobID: jobID, Kind: kind, Stages: map[string]*StageRecord{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job state: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return &Record{JobID: jobID, Kind: kind, Stages: map[string]*StageRecord{}}, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job state: %w", err)
	}
	if record.Stages == nil {
		record.Stages = map[string]*StageRecord{}
	}
	return &record, nil
}

// Write replaces the record on disk atomically.
func (s *Store) Write(record *Record) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	record.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.dir, FileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Read loads the record of the workspace under root for jobID without
// creating anything. Used by the CLI.
func Read(root, jobID string) (*Record, error) {
	b, err := os.ReadFile(filepath.Join(root, jobID, FileName))
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("parse job state: %w", err)
	}
	return &record, nil
}
