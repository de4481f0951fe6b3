package status

import (
	"sort"
	"sync"
	"time"

	"github.com/dante-gpu/asset-worker/internal/models"
)

// ActiveJob is what a queue is currently working on.
type ActiveJob struct {
	Queue     string            `json:"queue"`
	JobID     string            `json:"job_id"`
	AttemptID string            `json:"attempt_id,omitempty"`
	Kind      models.JobKind    `json:"kind"`
	Stage     string            `json:"stage,omitempty"`
	State     models.StageState `json:"state,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Finished summarises the last job a queue completed.
type Finished struct {
	JobID      string         `json:"job_id"`
	Kind       models.JobKind `json:"kind"`
	Succeeded  bool           `json:"succeeded"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Snapshot is the tracker state served to operators.
type Snapshot struct {
	Active    []ActiveJob         `json:"active"`
	Last      map[string]Finished `json:"last"`
	Completed int                 `json:"completed"`
	Failed    int                 `json:"failed"`
}

// Tracker records the job each queue is running. Safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*ActiveJob
	byJob     map[string]string
	last      map[string]Finished
	completed int
	failed    int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[string]*ActiveJob),
		byJob:  make(map[string]string),
		last:   make(map[string]Finished),
	}
}

// Start marks job as running on queue.
func (t *Tracker) Start(queue string, job *models.Job, attemptID string) {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[queue] = &ActiveJob{
		Queue:     queue,
		JobID:     job.ID,
		AttemptID: attemptID,
		Kind:      job.Kind,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.byJob[job.ID] = queue
}

// Observe records a stage transition. It matches pipeline.Observer.
func (t *Tracker) Observe(jobID, stage string, state models.StageState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	queue, ok := t.byJob[jobID]
	if !ok {
		return
	}
	if a := t.active[queue]; a != nil && a.JobID == jobID {
		a.Stage = stage
		a.State = state
		a.UpdatedAt = time.Now().UTC()
	}
}

// Finish clears queue and records the outcome of its job.
func (t *Tracker) Finish(queue string, err error, errorKind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.active[queue]
	if !ok {
		return
	}
	delete(t.active, queue)
	delete(t.byJob, a.JobID)

	f := Finished{JobID: a.JobID, Kind: a.Kind, Succeeded: err == nil, FinishedAt: time.Now().UTC()}
	if err != nil {
		f.ErrorKind = errorKind
		t.failed++
	} else {
		t.completed++
	}
	t.last[queue] = f
}

// Active returns the job running on queue, if any.
func (t *Tracker) Active(queue string) (ActiveJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.active[queue]
	if !ok {
		return ActiveJob{}, false
	}
	return *a, true
}

// Snapshot copies the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		Active:    make([]ActiveJob, 0, len(t.active)),
		Last:      make(map[string]Finished, len(t.last)),
		Completed: t.completed,
		Failed:    t.failed,
	}
	for _, a := range t.active {
		s.Active = append(s.Active, *a)
	}
	sort.Slice(s.Active, func(i, j int) bool { return s.Active[i].Queue < s.Active[j].Queue })
	for q, f := range t.last {
		s.Last[q] = f
	}
	return s
}
