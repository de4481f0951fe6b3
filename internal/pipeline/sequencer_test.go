package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/executor"
	"github.com/dante-gpu/asset-worker/internal/gpu"
	"github.com/dante-gpu/asset-worker/internal/jobstate"
	"github.com/dante-gpu/asset-worker/internal/models"
	"github.com/dante-gpu/asset-worker/internal/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type dirWorkspace struct{ dir string }

func (d dirWorkspace) JobID() string { return "a1" }
func (d dirWorkspace) Dir() string   { return d.dir }
func (d dirWorkspace) Exists(rel ...string) bool {
	for _, r := range rel {
		if _, err := os.Stat(filepath.Join(d.dir, r)); err != nil {
			return false
		}
	}
	return true
}
func (d dirWorkspace) Upload(context.Context, string, string, string) (string, error) {
	return "", errors.New("not used")
}
func (d dirWorkspace) UploadFolder(context.Context, string, string) (string, error) {
	return "", errors.New("not used")
}

func touch(t *testing.T, dir, rel string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
}

// scriptedExecutor plays the external processes: each call creates the
// outputs listed for the command's marker argument unless told to fail.
type scriptedExecutor struct {
	mu      sync.Mutex
	dir     string
	outputs map[string][]string
	exit    map[string]int
	noOut   map[string]bool
	calls   []string
	devices [][]string
	active  int
	overlap bool
}

func (e *scriptedExecutor) Execute(_ context.Context, cmd executor.Command, devices []string) executor.Result {
	e.mu.Lock()
	e.active++
	if e.active > 1 {
		e.overlap = true
	}
	name := cmd.Executable
	e.calls = append(e.calls, name)
	e.devices = append(e.devices, devices)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if code := e.exit[name]; code != 0 {
		return executor.Result{ExitCode: code, Stderr: "boom in " + name, Error: apperrors.ErrNonZeroExit}
	}
	if !e.noOut[name] {
		for _, rel := range e.outputs[name] {
			p := filepath.Join(e.dir, rel)
			os.MkdirAll(filepath.Dir(p), 0755)
			os.WriteFile(p, []byte("out"), 0644)
		}
	}
	return executor.Result{ExitCode: 0, Duration: 1}
}

type recordingPublisher struct {
	published []publisher.Publication
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, ws publisher.Artifacts, pub publisher.Publication) (models.Artifact, error) {
	if p.err != nil {
		return models.Artifact{}, p.err
	}
	p.published = append(p.published, pub)
	return models.Artifact{LocalPath: pub.Source, RemoteURL: "https://store/files/" + ws.JobID() + "/" + pub.RemoteName, Kind: pub.Kind}, nil
}

type fixedAllocator struct {
	alloc gpu.Allocation
	err   error
	asked []int
}

func (a *fixedAllocator) Allocate(_ context.Context, k int) (gpu.Allocation, error) {
	a.asked = append(a.asked, k)
	return a.alloc, a.err
}

func stage(name string, kind apperrors.Kind, outputs ...string) Stage {
	return Stage{
		Name: name,
		Command: func(Paths) executor.Command {
			return executor.Command{Executable: name}
		},
		Outputs: outputs,
		Kind:    kind,
		GPUs:    2,
	}
}

func threeStages() []Stage {
	s1 := stage("one", apperrors.KindReconstruction, "one.out")
	s2 := stage("two", apperrors.KindSceneSynthesis, "two.out")
	s2.Publish = &publisher.Publication{Source: "two.out", RemoteName: "two.ply", Kind: models.ArtifactScene}
	s3 := stage("three", apperrors.KindSegmentationConvert, "three.out")
	return []Stage{s1, s2, s3}
}

type harness struct {
	dir   string
	exec  *scriptedExecutor
	pub   *recordingPublisher
	alloc *fixedAllocator
	store *jobstate.Store
	seen  []string
	seq   *Sequencer
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	h := &harness{
		dir: dir,
		exec: &scriptedExecutor{
			dir:     dir,
			outputs: map[string][]string{"one": {"one.out"}, "two": {"two.out"}, "three": {"three.out"}},
			exit:    map[string]int{},
			noOut:   map[string]bool{},
		},
		pub:   &recordingPublisher{},
		alloc: &fixedAllocator{alloc: gpu.Allocation{"1", "0"}},
		store: jobstate.NewStore(dir),
	}
	h.seq = NewSequencer(h.exec, h.alloc, h.pub, "/models", zap.NewNop()).WithObserver(func(jobID, stage string, state models.StageState) {
		h.seen = append(h.seen, stage+":"+string(state))
	})
	return h
}

func (h *harness) run(t *testing.T, stages []Stage) (Outcome, error) {
	t.Helper()
	rec, err := h.store.Load("a1", models.JobKindPhoto)
	require.NoError(t, err)
	return h.seq.Run(context.Background(), Run{
		Job:       &models.Job{ID: "a1", Kind: models.JobKindPhoto},
		Workspace: dirWorkspace{dir: h.dir},
		Record:    rec,
		State:     h.store,
	}, stages)
}

func TestRunExecutesStagesInOrderAndPublishes(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.run(t, threeStages())
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two", "three"}, h.exec.calls)
	assert.False(t, h.exec.overlap)
	assert.Equal(t, 3, outcome.Executed())
	require.Len(t, outcome.Artifacts, 1)
	assert.Equal(t, "https://store/files/a1/two.ply", outcome.Artifacts[0].RemoteURL)
	assert.Equal(t, []int{2, 2, 2}, h.alloc.asked)
	assert.Equal(t, []string{"1", "0"}, h.exec.devices[0])
	assert.Equal(t, []string{
		"one:running", "one:verified", "one:done",
		"two:running", "two:verified", "two:published", "two:done",
		"three:running", "three:verified", "three:done",
	}, h.seen)

	rec, err := h.store.Load("a1", models.JobKindPhoto)
	require.NoError(t, err)
	assert.Equal(t, models.StageDone, rec.Stages["three"].State)
	assert.Equal(t, 1, rec.Stages["one"].Runs)
}

func TestRunSkipsCompletedStages(t *testing.T) {
	h := newHarness(t)
	touch(t, h.dir, "one.out")
	touch(t, h.dir, "two.out")
	touch(t, h.dir, "three.out")

	outcome, err := h.run(t, threeStages())
	require.NoError(t, err)
	assert.Empty(t, h.exec.calls)
	assert.Equal(t, 0, outcome.Executed())
	for _, so := range outcome.Stages {
		assert.Equal(t, models.StageSkipped, so.State, so.Name)
	}
	// No record of an earlier publication: the skipped stage still publishes once.
	assert.Len(t, h.pub.published, 1)

	_, err = h.run(t, threeStages())
	require.NoError(t, err)
	assert.Empty(t, h.exec.calls)
	assert.Len(t, h.pub.published, 1, "recorded publication must not be repeated")
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	h := newHarness(t)
	h.exec.exit["two"] = 1

	outcome, err := h.run(t, threeStages())
	require.Error(t, err)

	assert.Equal(t, apperrors.KindSceneSynthesis, apperrors.KindOf(err))
	assert.Equal(t, "two", apperrors.StageOf(err))
	assert.ErrorIs(t, err, apperrors.ErrNonZeroExit)
	assert.Contains(t, err.Error(), "boom in two")
	assert.Equal(t, []string{"one", "two"}, h.exec.calls)
	assert.Len(t, outcome.Stages, 2)
	assert.Empty(t, h.pub.published)

	rec, err := h.store.Load("a1", models.JobKindPhoto)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, rec.Stages["two"].State)
	assert.Equal(t, string(apperrors.KindSceneSynthesis), rec.Stages["two"].ErrorKind)
	_, ran := rec.Stages["three"]
	assert.False(t, ran)
}

func TestRunFailsWhenOutputMissing(t *testing.T) {
	h := newHarness(t)
	h.exec.noOut["one"] = true

	_, err := h.run(t, threeStages())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindReconstruction, apperrors.KindOf(err))
	assert.ErrorIs(t, err, apperrors.ErrOutputMissing)
	assert.Equal(t, []string{"one"}, h.exec.calls)
}

func TestRunFailsOnMissingPrerequisite(t *testing.T) {
	h := newHarness(t)
	stages := threeStages()
	stages[0].Requires = []string{"input"}

	_, err := h.run(t, stages)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindReconstruction, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "missing prerequisite input")
	assert.Empty(t, h.exec.calls)
}

func TestRunPublishFailureCarriesUploadKind(t *testing.T) {
	h := newHarness(t)
	h.pub.err = apperrors.New(apperrors.KindUpload, "", "Bad Gateway", errors.New("upload failed"))

	_, err := h.run(t, threeStages())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUpload, apperrors.KindOf(err))
	assert.Equal(t, "two", apperrors.StageOf(err))
	assert.Equal(t, []string{"one", "two"}, h.exec.calls)
}

func TestRunWithoutTelemetryIsUnrestricted(t *testing.T) {
	h := newHarness(t)
	h.alloc.err = errors.New("nvidia-smi missing")

	_, err := h.run(t, threeStages())
	require.NoError(t, err)
	for _, d := range h.exec.devices {
		assert.Empty(t, d)
	}
}

func TestRunResumesAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.exec.exit["three"] = 2

	_, err := h.run(t, threeStages())
	require.Error(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, h.exec.calls)
	assert.Len(t, h.pub.published, 1)

	// Redelivery: the failure is gone, earlier stages are skipped and not re-published.
	h.exec.exit["three"] = 0
	h.exec.calls = nil
	outcome, err := h.run(t, threeStages())
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, h.exec.calls)
	assert.Equal(t, 1, outcome.Executed())
	assert.Len(t, h.pub.published, 1)

	rec, err := h.store.Load("a1", models.JobKindPhoto)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Stages["three"].Runs)
	assert.Empty(t, rec.Stages["three"].ErrorKind)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.seq.Run(ctx, Run{Job: &models.Job{ID: "a1"}, Workspace: dirWorkspace{dir: h.dir}}, threeStages())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.exec.calls)
}

func TestTailKeepsWholeRunes(t *testing.T) {
	out := tail(strings.Repeat("€", 3000))
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, "...€"))
	assert.LessOrEqual(t, len(out), len("...")+maxDetailBytes)

	assert.Equal(t, "short", tail("  short\n"))
}
