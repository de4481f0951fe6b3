package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/jobstate"
	"github.com/dante-gpu/asset-worker/internal/logging"
	"github.com/dante-gpu/asset-worker/internal/models"
	"github.com/dante-gpu/asset-worker/internal/pipeline"
	"github.com/dante-gpu/asset-worker/internal/status"
	"github.com/dante-gpu/asset-worker/internal/workspace"
	"go.uber.org/zap"
)

// Queue names, used in logs and the status tracker.
const (
	QueueReconstruction = "reconstruction"
	QueueSegment        = "segment"
)

// Handler turns queue payloads into pipeline runs.
type Handler struct {
	workspaces *workspace.Manager
	sequencer  *pipeline.Sequencer
	tracker    *status.Tracker
	catalog    pipeline.CatalogOptions
	purge      bool
	logger     *zap.Logger
}

// NewHandler creates a new task handler. tracker may be nil.
func NewHandler(workspaces *workspace.Manager, sequencer *pipeline.Sequencer, tracker *status.Tracker, catalog pipeline.CatalogOptions, purge bool, logger *zap.Logger) *Handler {
	return &Handler{
		workspaces: workspaces,
		sequencer:  sequencer,
		tracker:    tracker,
		catalog:    catalog,
		purge:      purge,
		logger:     logger.Named("tasks"),
	}
}

func invalid(err error) error {
	return apperrors.New(apperrors.KindInvalidJob, "", "", err)
}

// HandleReconstruction processes one message from the reconstruction queue.
func (h *Handler) HandleReconstruction(ctx context.Context, data []byte) error {
	var msg models.ReconstructionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return invalid(fmt.Errorf("decode reconstruction message: %w", err))
	}
	kind, err := msg.Validate()
	if err != nil {
		return invalid(err)
	}
	job := models.NewReconstructionJob(&msg, kind)
	return h.process(ctx, QueueReconstruction, job, pipeline.ReconstructionStages(kind, h.catalog), "")
}

// HandleSegment processes one segment-by-click request. It runs inside the
// workspace a finished reconstruction left behind.
func (h *Handler) HandleSegment(ctx context.Context, data []byte) error {
	var msg models.SegmentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return invalid(fmt.Errorf("decode segment message: %w", err))
	}
	if err := msg.Validate(); err != nil {
		return invalid(err)
	}
	job := models.NewSegmentJob(&msg)
	stateDir := path.Join(workspace.SegmentsDir, job.Segment.SegmentID)
	return h.process(ctx, QueueSegment, job, pipeline.SegmentStages(job.Segment, h.catalog), stateDir)
}

// process runs job inside its workspace. State is kept under stateDir, relative
// to the workspace, so each segment request has a record of its own.
func (h *Handler) process(ctx context.Context, queue string, job *models.Job, stages []pipeline.Stage, stateDir string) (err error) {
	ctx = logging.WithJobID(ctx, job.ID)
	ctx, attemptID := logging.NewAttemptID(ctx)
	logger := logging.EnrichLoggerWithContext(ctx, h.logger).With(zap.String("queue", queue))
	logger.Info("Handling job", zap.String("kind", string(job.Kind)), zap.Strings("inputs", job.Inputs()))

	ws, err := h.workspaces.Open(job.ID)
	if err != nil {
		return err
	}
	defer ws.Release()

	if h.tracker != nil {
		h.tracker.Start(queue, job, attemptID)
		defer func() {
			h.tracker.Finish(queue, err, string(apperrors.KindOf(err)))
		}()
	}

	store := jobstate.NewStore(filepath.Join(ws.Dir(), filepath.FromSlash(stateDir)))
	record, loadErr := store.Load(job.ID, job.Kind)
	if loadErr != nil {
		logger.Warn("Job state unreadable, starting with a fresh record", zap.Error(loadErr))
		record = &jobstate.Record{JobID: job.ID, Kind: job.Kind, Stages: map[string]*jobstate.StageRecord{}}
	}
	record.Attempts++

	if record.InputsReady && inputsPresent(ws, job) {
		logger.Info("Inputs already in workspace, skipping fetch", zap.Int("attempt", record.Attempts))
	} else {
		if err := ws.Fetch(ctx, job); err != nil {
			return err
		}
		if job.PhotoArchiveURL != "" {
			if err := ws.Extract(ctx); err != nil {
				return err
			}
		}
		record.InputsReady = true
	}
	if err := store.Write(record); err != nil {
		logger.Warn("Failed to persist job state", zap.Error(err))
	}

	outcome, err := h.sequencer.Run(ctx, pipeline.Run{Job: job, Workspace: ws, Record: record, State: store}, stages)
	if err != nil {
		return err
	}

	urls := make([]string, 0, len(outcome.Artifacts))
	for _, a := range outcome.Artifacts {
		urls = append(urls, a.RemoteURL)
	}
	logger.Info("Job completed",
		zap.Int("stages_executed", outcome.Executed()),
		zap.Int("stages", len(outcome.Stages)),
		zap.Strings("artifacts", urls),
	)

	if h.purge {
		h.purgeWorkspace(ws, job, stateDir, logger)
	}
	return nil
}

// inputsPresent reports whether the extracted inputs of job are still on disk.
func inputsPresent(ws *workspace.Workspace, job *models.Job) bool {
	var want []string
	if job.PhotoArchiveURL != "" {
		want = append(want, workspace.InputDir)
	}
	if job.PointCloudURL != "" {
		want = append(want, workspace.LidarCloud)
	}
	if job.Segment != nil {
		want = append(want, workspace.SegmentSource(job.Segment.SegmentID, job.Segment.ImageURL))
	}
	return ws.Exists(want...)
}

// purgeWorkspace removes what a finished job leaves behind. A segment request
// only owns its own directory; the reconstruction it runs against is kept.
func (h *Handler) purgeWorkspace(ws *workspace.Workspace, job *models.Job, stateDir string, logger *zap.Logger) {
	if job.Kind == models.JobKindSegment {
		if err := os.RemoveAll(ws.Abs(stateDir)); err != nil {
			logger.Warn("Failed to purge segment directory", zap.Error(err))
		}
		return
	}
	if err := ws.Clear(); err != nil {
		logger.Warn("Failed to purge workspace", zap.Error(err))
		return
	}
	logger.Info("Workspace purged", zap.String("path", ws.Dir()))
}
