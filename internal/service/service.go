package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydeploy/relay/internal/canary"
	"github.com/relaydeploy/relay/internal/events"
	"github.com/relaydeploy/relay/internal/lease"
	"github.com/relaydeploy/relay/internal/models"
	"github.com/relaydeploy/relay/internal/pipeline"
	"github.com/relaydeploy/relay/internal/store"
)

// Service ties the control plane together: it owns the pipeline registry, the
// concurrency coordinator, and the run lifecycle from trigger to archive.
type Service struct {
	store     store.Store
	coord     *lease.Coordinator
	graphs    map[string]*pipeline.Graph
	executor  *pipeline.Executor
	publisher events.Publisher
	archiver  events.Archiver
	canary    *canary.Controller
	logger    *log.Logger

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

type Config struct {
	Store     store.Store
	Coord     *lease.Coordinator
	Graphs    map[string]*pipeline.Graph
	Workers   int
	Publisher events.Publisher   // optional
	Archiver  events.Archiver    // optional
	Canary    *canary.Controller // optional; required for force-rollback
	Logger    *log.Logger
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Coord == nil {
		return nil, fmt.Errorf("lease coordinator required")
	}
	if len(cfg.Graphs) == 0 {
		return nil, fmt.Errorf("at least one pipeline required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[service] ", log.LstdFlags)
	}
	exec := pipeline.NewExecutor(coordAdapter{cfg.Coord}, pipeline.ExecutorConfig{
		Workers: cfg.Workers,
		Logger:  logger,
	})
	return &Service{
		store:     cfg.Store,
		coord:     cfg.Coord,
		graphs:    cfg.Graphs,
		executor:  exec,
		publisher: cfg.Publisher,
		archiver:  cfg.Archiver,
		canary:    cfg.Canary,
		logger:    logger,
		active:    make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// coordAdapter narrows *lease.Coordinator to the executor's interface.
type coordAdapter struct {
	c *lease.Coordinator
}

func (a coordAdapter) Acquire(ctx context.Context, group string, wait time.Duration) (pipeline.Lease, error) {
	l, err := a.c.Acquire(ctx, group, wait)
	if err != nil {
		return nil, err
	}
	return l, nil
}

type SubmitRequest struct {
	Pipeline  string           `json:"pipeline"`
	EventKind models.EventKind `json:"eventKind"`
	Ref       string           `json:"ref"`
}

// SubmitTrigger validates a trigger and enqueues a run for it. Execution
// happens asynchronously in the runner.
func (s *Service) SubmitTrigger(ctx context.Context, req SubmitRequest) (models.PipelineRun, error) {
	g, ok := s.graphs[req.Pipeline]
	if !ok {
		return models.PipelineRun{}, fmt.Errorf("unknown pipeline %q", req.Pipeline)
	}
	switch req.EventKind {
	case models.EventManualDispatch, models.EventProposedChange, models.EventDirectPush:
	default:
		return models.PipelineRun{}, fmt.Errorf("unknown event kind %q", req.EventKind)
	}
	if req.Ref == "" {
		return models.PipelineRun{}, fmt.Errorf("ref required")
	}
	run, err := s.store.CreateRun(ctx, store.RunInput{
		Pipeline: req.Pipeline,
		Trigger:  models.Trigger{EventKind: req.EventKind, Ref: req.Ref},
		StageIDs: g.StageIDs(),
	})
	if err != nil {
		return models.PipelineRun{}, err
	}
	s.logger.Printf("run %s queued for pipeline %s (%s %s)", run.ID, run.Pipeline, req.EventKind, req.Ref)
	return run, nil
}

// runSink persists every stage transition and mirrors it to the event stream.
// Persistence uses an uncancelled context so an abort still leaves a complete
// audit trail.
type runSink struct {
	store     store.Store
	publisher events.Publisher
	logger    *log.Logger
}

func (rs runSink) StageEvent(ctx context.Context, runID uuid.UUID, stage string, status models.StageStatus, message string) {
	bg := context.WithoutCancel(ctx)
	ev, err := rs.store.AppendRunEvent(bg, store.EventInput{
		RunID:   runID,
		Stage:   stage,
		Status:  status,
		Message: message,
	})
	if err != nil {
		rs.logger.Printf("run %s: append event for stage %s: %v", runID, stage, err)
		return
	}
	if rs.publisher != nil {
		if err := rs.publisher.PublishRunEvent(bg, ev); err != nil {
			rs.logger.Printf("run %s: publish event for stage %s: %v", runID, stage, err)
		}
	}
}

// ExecuteRun drives a claimed run to its terminal status. Abort requests
// cancel the execution context; the executor marks untouched stages skipped
// and releases held leases on its way out.
func (s *Service) ExecuteRun(ctx context.Context, run models.PipelineRun) (models.PipelineRun, error) {
	g, ok := s.graphs[run.Pipeline]
	if !ok {
		finished, ferr := s.store.FinishRun(ctx, store.RunFinish{
			ID:            run.ID,
			Status:        models.RunFailed,
			StageStatuses: run.StageStatuses,
		})
		if ferr != nil {
			return models.PipelineRun{}, ferr
		}
		return finished, fmt.Errorf("run %s references unknown pipeline %q", run.ID, run.Pipeline)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.active[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
	}()

	sink := runSink{store: s.store, publisher: s.publisher, logger: s.logger}
	result := s.executor.Run(runCtx, g, run.Trigger, run.ID, sink)

	finished, err := s.store.FinishRun(context.WithoutCancel(ctx), store.RunFinish{
		ID:            run.ID,
		Status:        result.Status,
		StageStatuses: result.StageStatuses,
		FailedStage:   result.FailedStage,
	})
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	s.logger.Printf("run %s finished: %s", run.ID, finished.Status)

	if s.archiver != nil {
		evs, err := s.store.ListRunEvents(context.WithoutCancel(ctx), run.ID)
		if err != nil {
			s.logger.Printf("run %s: list events for archive: %v", run.ID, err)
		} else if err := s.archiver.ArchiveRun(context.WithoutCancel(ctx), finished, evs); err != nil {
			s.logger.Printf("run %s: archive: %v", run.ID, err)
		}
	}
	return finished, nil
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (models.PipelineRun, error) {
	return s.store.GetRun(ctx, id)
}

func (s *Service) ListRunEvents(ctx context.Context, runID uuid.UUID) ([]models.RunEvent, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListRunEvents(ctx, runID)
}

// AbortRun stops a run. An executing run is cancelled cooperatively; a queued
// run is finished immediately with every stage skipped.
func (s *Service) AbortRun(ctx context.Context, id uuid.UUID) (models.PipelineRun, error) {
	s.mu.Lock()
	cancel, executing := s.active[id]
	s.mu.Unlock()
	if executing {
		cancel()
		s.logger.Printf("run %s: abort requested", id)
		return s.store.GetRun(ctx, id)
	}

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return models.PipelineRun{}, err
	}
	if run.Status.Terminal() {
		return run, fmt.Errorf("run %s already terminal (%s)", id, run.Status)
	}
	statuses := make(map[string]models.StageStatus, len(run.StageStatuses))
	for stage, st := range run.StageStatuses {
		if !st.Terminal() {
			st = models.StageSkipped
		}
		statuses[stage] = st
	}
	return s.store.FinishRun(ctx, store.RunFinish{
		ID:            id,
		Status:        models.RunAborted,
		StageStatuses: statuses,
	})
}

func (s *Service) GetTarget(ctx context.Context, environment string) (models.DeploymentTarget, error) {
	return s.store.GetTarget(ctx, environment)
}

// ForceReleaseLease is the operator escape hatch for a stuck concurrency
// group. Returns false when the group held no lease.
func (s *Service) ForceReleaseLease(group string) bool {
	released := s.coord.ForceRelease(group)
	if released {
		s.logger.Printf("lease for group %s force-released", group)
	}
	return released
}

// ForceRollback forces a canary session to RolledBack and restores the prior
// revision's traffic.
func (s *Service) ForceRollback(ctx context.Context, sessionID uuid.UUID) (models.CanarySession, error) {
	if s.canary == nil {
		return models.CanarySession{}, fmt.Errorf("canary controller not configured")
	}
	return s.canary.ForceRollback(ctx, sessionID)
}

// Pipelines lists registered pipeline names and their stage IDs.
func (s *Service) Pipelines() map[string][]string {
	out := make(map[string][]string, len(s.graphs))
	for name, g := range s.graphs {
		out[name] = g.StageIDs()
	}
	return out
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
