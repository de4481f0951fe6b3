package status

import (
	"errors"
	"sync"
	"testing"

	"github.com/dante-gpu/asset-worker/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	tr.Start("reconstruction", &models.Job{ID: "a1", Kind: models.JobKindPhoto}, "att-1")
	tr.Observe("a1", "generate-scene", models.StageRunning)

	a, ok := tr.Active("reconstruction")
	require.True(t, ok)
	assert.Equal(t, "a1", a.JobID)
	assert.Equal(t, "generate-scene", a.Stage)
	assert.Equal(t, models.StageRunning, a.State)
	assert.Equal(t, "att-1", a.AttemptID)

	tr.Finish("reconstruction", errors.New("boom"), "SceneSynthesisError")
	_, ok = tr.Active("reconstruction")
	assert.False(t, ok)

	snap := tr.Snapshot()
	assert.Empty(t, snap.Active)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 0, snap.Completed)
	assert.Equal(t, "SceneSynthesisError", snap.Last["reconstruction"].ErrorKind)
	assert.False(t, snap.Last["reconstruction"].Succeeded)
}

func TestTrackerIgnoresUnknownJobs(t *testing.T) {
	tr := NewTracker()
	tr.Observe("nope", "render-segment", models.StageDone)
	tr.Finish("segment", nil, "")
	snap := tr.Snapshot()
	assert.Empty(t, snap.Active)
	assert.Zero(t, snap.Completed)
}

func TestTrackerConcurrentQueues(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for _, q := range []string{"reconstruction", "segment"} {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			id := "job-" + q
			tr.Start(q, &models.Job{ID: id}, "")
			for i := 0; i < 50; i++ {
				tr.Observe(id, "stage", models.StageRunning)
				_ = tr.Snapshot()
			}
			tr.Finish(q, nil, "")
		}(q)
	}
	wg.Wait()

	snap := tr.Snapshot()
	assert.Equal(t, 2, snap.Completed)
	assert.Len(t, snap.Last, 2)
}
