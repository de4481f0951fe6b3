package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/executor"
	"github.com/dante-gpu/asset-worker/internal/gpu"
	"github.com/dante-gpu/asset-worker/internal/jobstate"
	"github.com/dante-gpu/asset-worker/internal/logging"
	"github.com/dante-gpu/asset-worker/internal/models"
	"github.com/dante-gpu/asset-worker/internal/publisher"
	"go.uber.org/zap"
)

// maxDetailBytes bounds the stderr tail carried on a failure.
const maxDetailBytes = 8 * 1024

// Allocator picks devices for a stage.
type Allocator interface {
	Allocate(ctx context.Context, k int) (gpu.Allocation, error)
}

// Publisher ships a stage artifact and reports it.
type Publisher interface {
	Publish(ctx context.Context, ws publisher.Artifacts, pub publisher.Publication) (models.Artifact, error)
}

// Workspace is the view of a job workspace the sequencer needs.
type Workspace interface {
	publisher.Artifacts
	Dir() string
	Exists(rel ...string) bool
}

// StateWriter persists the job state record.
type StateWriter interface {
	Write(record *jobstate.Record) error
}

// Observer is told about every stage transition.
type Observer func(jobID, stage string, state models.StageState)

// Run is one attempt at driving a job through its stages.
type Run struct {
	Job       *models.Job
	Workspace Workspace
	Record    *jobstate.Record
	State     StateWriter
}

// StageOutcome summarises what happened to one stage.
type StageOutcome struct {
	Name     string
	State    models.StageState
	Ran      bool // the stage's process was launched
	ExitCode int
	Duration time.Duration
}

// Outcome is the result of a run. On failure it covers the stages reached.
type Outcome struct {
	Stages    []StageOutcome
	Artifacts []models.Artifact
}

// Executed counts the stages whose process actually ran.
func (o Outcome) Executed() int {
	n := 0
	for _, s := range o.Stages {
		if s.Ran {
			n++
		}
	}
	return n
}

// Sequencer drives a job's stages strictly in order and stops at the first failure.
type Sequencer struct {
	exec      executor.Executor
	alloc     Allocator
	pub       Publisher
	modelsDir string
	observer  Observer
	logger    *zap.Logger
}

// NewSequencer creates a Sequencer.
func NewSequencer(exec executor.Executor, alloc Allocator, pub Publisher, modelsDir string, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		exec:      exec,
		alloc:     alloc,
		pub:       pub,
		modelsDir: modelsDir,
		logger:    logger.Named("sequencer"),
	}
}

// WithObserver registers an observer for stage transitions.
func (s *Sequencer) WithObserver(o Observer) *Sequencer {
	s.observer = o
	return s
}

func (s *Sequencer) transition(ctx context.Context, run Run, stage string, state models.StageState, mutate func(*jobstate.StageRecord)) {
	if run.Record != nil {
		rec := run.Record.Stage(stage)
		rec.State = state
		rec.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(rec)
		}
		if run.State != nil {
			if err := run.State.Write(run.Record); err != nil {
				logging.EnrichLoggerWithContext(ctx, s.logger).Warn("Failed to persist job state", zap.Error(err))
			}
		}
	}
	if s.observer != nil {
		s.observer(run.Job.ID, stage, state)
	}
}

func (s *Sequencer) fail(ctx context.Context, run Run, stage Stage, err *apperrors.StageError) error {
	s.transition(ctx, run, stage.Name, models.StageFailed, func(r *jobstate.StageRecord) {
		r.ErrorKind = string(err.Kind)
		r.Detail = err.Detail
	})
	return err
}

// Run executes stages in order. The first failing stage aborts the run and
// the returned error carries that stage's kind.
func (s *Sequencer) Run(ctx context.Context, run Run, stages []Stage) (Outcome, error) {
	var outcome Outcome
	paths := Paths{Workspace: run.Workspace.Dir(), Models: s.modelsDir}

	for _, stage := range stages {
		stageCtx := logging.WithStage(ctx, stage.Name)
		logger := logging.EnrichLoggerWithContext(stageCtx, s.logger)

		if err := ctx.Err(); err != nil {
			return outcome, s.fail(stageCtx, run, stage, apperrors.New(stage.Kind, stage.Name, "", err))
		}

		so, artifact, err := s.runStage(stageCtx, run, stage, paths, logger)
		outcome.Stages = append(outcome.Stages, so)
		if artifact != nil {
			outcome.Artifacts = append(outcome.Artifacts, *artifact)
		}
		if err != nil {
			logger.Error("Stage failed",
				zap.String("error_kind", string(apperrors.KindOf(err))),
				zap.Error(err))
			return outcome, err
		}
	}
	return outcome, nil
}

func (s *Sequencer) runStage(ctx context.Context, run Run, stage Stage, paths Paths, logger *zap.Logger) (StageOutcome, *models.Artifact, error) {
	so := StageOutcome{Name: stage.Name}
	ws := run.Workspace

	if skip := stage.skipPaths(); len(skip) > 0 && ws.Exists(skip...) {
		so.State = models.StageSkipped
		s.transition(ctx, run, stage.Name, models.StageSkipped, nil)
		logger.Info("Stage output present, skipping")

		if stage.Publish == nil {
			s.transition(ctx, run, stage.Name, models.StageDone, nil)
			return so, nil, nil
		}
		if run.Record != nil {
			if url, ok := run.Record.Published(stage.Name); ok {
				s.transition(ctx, run, stage.Name, models.StageDone, nil)
				return so, &models.Artifact{LocalPath: stage.Publish.Source, RemoteURL: url, Kind: stage.Publish.Kind}, nil
			}
		}
		artifact, err := s.publish(ctx, run, stage)
		if err != nil {
			so.State = models.StageFailed
		}
		return so, artifact, err
	}

	if missing := missingPaths(ws, stage.Requires); len(missing) > 0 {
		so.State = models.StageFailed
		return so, nil, s.fail(ctx, run, stage, apperrors.New(stage.Kind, stage.Name,
			"missing prerequisite "+strings.Join(missing, ", "), apperrors.ErrOutputMissing))
	}

	s.transition(ctx, run, stage.Name, models.StageRunning, func(r *jobstate.StageRecord) {
		r.Runs++
		r.ErrorKind, r.Detail = "", ""
	})

	var devices gpu.Allocation
	if stage.GPUs > 0 && s.alloc != nil {
		alloc, err := s.alloc.Allocate(ctx, stage.GPUs)
		if err != nil {
			logger.Warn("GPU telemetry unavailable, running without device restriction", zap.Error(err))
		} else {
			devices = alloc
		}
	}

	cmd := stage.Command(paths)
	if cmd.Runtime == "" {
		cmd.Runtime = stage.Runtime
	}
	result := s.exec.Execute(ctx, cmd, devices)
	so.Ran = true
	so.ExitCode = result.ExitCode
	so.Duration = result.Duration

	if !result.Succeeded() {
		so.State = models.StageFailed
		err := result.Error
		if err == nil {
			err = fmt.Errorf("exit code %d: %w", result.ExitCode, apperrors.ErrNonZeroExit)
		}
		return so, nil, s.fail(ctx, run, stage, apperrors.New(stage.Kind, stage.Name, tail(result.Stderr), err))
	}

	if missing := missingPaths(ws, stage.Outputs); len(missing) > 0 {
		so.State = models.StageFailed
		return so, nil, s.fail(ctx, run, stage, apperrors.New(stage.Kind, stage.Name,
			"missing "+strings.Join(missing, ", "), apperrors.ErrOutputMissing))
	}

	so.State = models.StageVerified
	s.transition(ctx, run, stage.Name, models.StageVerified, nil)
	logger.Info("Stage completed", zap.Duration("duration", result.Duration), zap.Strings("devices", devices))

	if stage.Publish == nil {
		so.State = models.StageDone
		s.transition(ctx, run, stage.Name, models.StageDone, nil)
		return so, nil, nil
	}
	artifact, err := s.publish(ctx, run, stage)
	if err != nil {
		so.State = models.StageFailed
	} else {
		so.State = models.StageDone
	}
	return so, artifact, err
}

func (s *Sequencer) publish(ctx context.Context, run Run, stage Stage) (*models.Artifact, error) {
	artifact, err := s.pub.Publish(ctx, run.Workspace, *stage.Publish)
	if err != nil {
		var se *apperrors.StageError
		if errors.As(err, &se) {
			tagged := *se
			tagged.Stage = stage.Name
			se = &tagged
		} else {
			se = apperrors.New(apperrors.KindPublish, stage.Name, "", err)
		}
		return nil, s.fail(ctx, run, stage, se)
	}
	s.transition(ctx, run, stage.Name, models.StagePublished, func(r *jobstate.StageRecord) {
		r.ArtifactURL = artifact.RemoteURL
	})
	s.transition(ctx, run, stage.Name, models.StageDone, nil)
	return &artifact, nil
}

func missingPaths(ws Workspace, rel []string) []string {
	var missing []string
	for _, r := range rel {
		if !ws.Exists(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDetailBytes {
		return s
	}
	cut := len(s) - maxDetailBytes
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
