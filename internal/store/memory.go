package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydeploy/relay/internal/models"
)

// MemoryStore is an in-memory Store used by tests and single-node dev runs.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[uuid.UUID]models.PipelineRun
	events   map[uuid.UUID][]models.RunEvent
	targets  map[string]models.DeploymentTarget
	sessions map[uuid.UUID]models.CanarySession
	eventSeq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     map[uuid.UUID]models.PipelineRun{},
		events:   map[uuid.UUID][]models.RunEvent{},
		targets:  map[string]models.DeploymentTarget{},
		sessions: map[uuid.UUID]models.CanarySession{},
	}
}

func copySplit(split map[string]int) map[string]int {
	out := make(map[string]int, len(split))
	for k, v := range split {
		out[k] = v
	}
	return out
}

func copyStatuses(statuses map[string]models.StageStatus) map[string]models.StageStatus {
	out := make(map[string]models.StageStatus, len(statuses))
	for k, v := range statuses {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) CreateRun(ctx context.Context, in RunInput) (models.PipelineRun, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	statuses := make(map[string]models.StageStatus, len(in.StageIDs))
	for _, id := range in.StageIDs {
		statuses[id] = models.StagePending
	}
	now := time.Now().UTC()
	run := models.PipelineRun{
		ID:            in.ID,
		Pipeline:      in.Pipeline,
		Trigger:       in.Trigger,
		Status:        models.RunQueued,
		StageStatuses: statuses,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return run, nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id uuid.UUID) (models.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return models.PipelineRun{}, ErrNotFound
	}
	run.StageStatuses = copyStatuses(run.StageStatuses)
	return run, nil
}

func (m *MemoryStore) ClaimNextRun(ctx context.Context) (models.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		selectedID uuid.UUID
		selected   models.PipelineRun
		found      bool
	)
	for id, run := range m.runs {
		if run.Status != models.RunQueued {
			continue
		}
		if !found || run.CreatedAt.Before(selected.CreatedAt) {
			selectedID = id
			selected = run
			found = true
		}
	}
	if !found {
		return models.PipelineRun{}, ErrNotFound
	}
	selected.Status = models.RunRunning
	selected.UpdatedAt = time.Now().UTC()
	m.runs[selectedID] = selected
	selected.StageStatuses = copyStatuses(selected.StageStatuses)
	return selected, nil
}

func (m *MemoryStore) FinishRun(ctx context.Context, in RunFinish) (models.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[in.ID]
	if !ok {
		return models.PipelineRun{}, ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = in.Status
	run.StageStatuses = copyStatuses(in.StageStatuses)
	run.FailedStage = in.FailedStage
	run.UpdatedAt = now
	run.FinishedAt = &now
	m.runs[in.ID] = run
	return run, nil
}

func (m *MemoryStore) AppendRunEvent(ctx context.Context, in EventInput) (models.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	ev := models.RunEvent{
		Seq:     m.eventSeq,
		RunID:   in.RunID,
		Stage:   in.Stage,
		Status:  in.Status,
		Message: in.Message,
		At:      time.Now().UTC(),
	}
	m.events[in.RunID] = append(m.events[in.RunID], ev)
	return ev, nil
}

func (m *MemoryStore) ListRunEvents(ctx context.Context, runID uuid.UUID) ([]models.RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	out := make([]models.RunEvent, len(events))
	copy(out, events)
	return out, nil
}

func (m *MemoryStore) GetTarget(ctx context.Context, environment string) (models.DeploymentTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.targets[environment]
	if !ok {
		return models.DeploymentTarget{}, ErrNotFound
	}
	target.TrafficSplit = copySplit(target.TrafficSplit)
	return target, nil
}

func (m *MemoryStore) UpsertTarget(ctx context.Context, in TargetInput) (models.DeploymentTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := models.DeploymentTarget{
		Environment:    in.Environment,
		Group:          in.Group,
		StableRevision: in.StableRevision,
		TrafficSplit:   copySplit(in.TrafficSplit),
		UpdatedAt:      time.Now().UTC(),
	}
	if target.TrafficSplit == nil {
		target.TrafficSplit = map[string]int{}
	}
	m.targets[in.Environment] = target
	target.TrafficSplit = copySplit(target.TrafficSplit)
	return target, nil
}

func (m *MemoryStore) UpdateTrafficSplit(ctx context.Context, environment, stableRevision string, split map[string]int) (models.DeploymentTarget, error) {
	if err := validateSplit(split); err != nil {
		return models.DeploymentTarget{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.targets[environment]
	if !ok {
		return models.DeploymentTarget{}, ErrNotFound
	}
	target.StableRevision = stableRevision
	target.TrafficSplit = copySplit(split)
	target.UpdatedAt = time.Now().UTC()
	m.targets[environment] = target
	target.TrafficSplit = copySplit(target.TrafficSplit)
	return target, nil
}

func (m *MemoryStore) CreateCanarySession(ctx context.Context, in CanarySessionInput) (models.CanarySession, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	sess := models.CanarySession{
		ID:                in.ID,
		RunID:             in.RunID,
		Environment:       in.Environment,
		CandidateRevision: in.CandidateRevision,
		PriorRevision:     in.PriorRevision,
		Steps:             append([]int(nil), in.Steps...),
		Outcome:           models.CanaryInProgress,
		CreatedAt:         time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return sess, nil
}

func (m *MemoryStore) GetCanarySession(ctx context.Context, id uuid.UUID) (models.CanarySession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return models.CanarySession{}, ErrNotFound
	}
	sess.Steps = append([]int(nil), sess.Steps...)
	return sess, nil
}

func (m *MemoryStore) UpdateCanarySession(ctx context.Context, in CanarySessionUpdate) (models.CanarySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[in.ID]
	if !ok {
		return models.CanarySession{}, ErrNotFound
	}
	if in.StepIndex != nil {
		sess.StepIndex = *in.StepIndex
	}
	if in.Outcome != nil {
		sess.Outcome = *in.Outcome
	}
	if in.RollbackError != nil {
		sess.RollbackError = *in.RollbackError
	}
	if in.FinishedAt != nil {
		t := *in.FinishedAt
		sess.FinishedAt = &t
	}
	m.sessions[in.ID] = sess
	sess.Steps = append([]int(nil), sess.Steps...)
	return sess, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
