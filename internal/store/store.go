package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydeploy/relay/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateRun(ctx context.Context, in RunInput) (models.PipelineRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (models.PipelineRun, error)
	ClaimNextRun(ctx context.Context) (models.PipelineRun, error)
	FinishRun(ctx context.Context, in RunFinish) (models.PipelineRun, error)
	AppendRunEvent(ctx context.Context, in EventInput) (models.RunEvent, error)
	ListRunEvents(ctx context.Context, runID uuid.UUID) ([]models.RunEvent, error)
	GetTarget(ctx context.Context, environment string) (models.DeploymentTarget, error)
	UpsertTarget(ctx context.Context, in TargetInput) (models.DeploymentTarget, error)
	UpdateTrafficSplit(ctx context.Context, environment, stableRevision string, split map[string]int) (models.DeploymentTarget, error)
	CreateCanarySession(ctx context.Context, in CanarySessionInput) (models.CanarySession, error)
	GetCanarySession(ctx context.Context, id uuid.UUID) (models.CanarySession, error)
	UpdateCanarySession(ctx context.Context, in CanarySessionUpdate) (models.CanarySession, error)
	Ping(ctx context.Context) error
}

type RunInput struct {
	ID       uuid.UUID
	Pipeline string
	Trigger  models.Trigger
	StageIDs []string
}

type RunFinish struct {
	ID            uuid.UUID
	Status        models.RunStatus
	StageStatuses map[string]models.StageStatus
	FailedStage   string
}

type EventInput struct {
	RunID   uuid.UUID
	Stage   string
	Status  models.StageStatus
	Message string
}

type TargetInput struct {
	Environment    string
	Group          string
	StableRevision string
	TrafficSplit   map[string]int
}

type CanarySessionInput struct {
	ID                uuid.UUID
	RunID             uuid.UUID
	Environment       string
	CandidateRevision string
	PriorRevision     string
	Steps             []int
}

type CanarySessionUpdate struct {
	ID            uuid.UUID
	StepIndex     *int
	Outcome       *models.CanaryOutcome
	RollbackError *string
	FinishedAt    *time.Time
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const runColumns = "id, pipeline, trigger, status, stage_statuses, failed_stage, created_at, updated_at, finished_at"

func scanRun(row rowScanner) (models.PipelineRun, error) {
	var (
		run         models.PipelineRun
		trigger     []byte
		statuses    []byte
		failedStage sql.NullString
		finishedAt  sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&run.Pipeline,
		&trigger,
		&run.Status,
		&statuses,
		&failedStage,
		&run.CreatedAt,
		&run.UpdatedAt,
		&finishedAt,
	); err != nil {
		return models.PipelineRun{}, err
	}
	if err := json.Unmarshal(trigger, &run.Trigger); err != nil {
		return models.PipelineRun{}, fmt.Errorf("decode trigger: %w", err)
	}
	if err := json.Unmarshal(statuses, &run.StageStatuses); err != nil {
		return models.PipelineRun{}, fmt.Errorf("decode stage statuses: %w", err)
	}
	if failedStage.Valid {
		run.FailedStage = failedStage.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func (s *PGStore) CreateRun(ctx context.Context, in RunInput) (models.PipelineRun, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	statuses := make(map[string]models.StageStatus, len(in.StageIDs))
	for _, id := range in.StageIDs {
		statuses[id] = models.StagePending
	}
	triggerJSON, err := json.Marshal(in.Trigger)
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("encode trigger: %w", err)
	}
	statusJSON, err := json.Marshal(statuses)
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("encode stage statuses: %w", err)
	}
	query := `
		INSERT INTO pipeline_runs (id, pipeline, trigger, status, stage_statuses)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING ` + runColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.Pipeline, triggerJSON, models.RunQueued, statusJSON)
	run, err := scanRun(row)
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *PGStore) GetRun(ctx context.Context, id uuid.UUID) (models.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id=$1`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PipelineRun{}, ErrNotFound
		}
		return models.PipelineRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ClaimNextRun transitions the oldest queued run to running. SKIP LOCKED lets
// multiple daemon replicas poll without stepping on each other.
func (s *PGStore) ClaimNextRun(ctx context.Context) (models.PipelineRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectQueued = `
		SELECT id FROM pipeline_runs
		WHERE status='queued'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	var runID uuid.UUID
	if err := tx.QueryRowContext(ctx, selectQueued).Scan(&runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PipelineRun{}, ErrNotFound
		}
		return models.PipelineRun{}, fmt.Errorf("select queued run: %w", err)
	}

	claimQuery := `
		UPDATE pipeline_runs
		SET status='running', updated_at=NOW()
		WHERE id=$1
		RETURNING ` + runColumns
	run, err := scanRun(tx.QueryRowContext(ctx, claimQuery, runID))
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("claim run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.PipelineRun{}, fmt.Errorf("commit claim: %w", err)
	}
	return run, nil
}

func (s *PGStore) FinishRun(ctx context.Context, in RunFinish) (models.PipelineRun, error) {
	statusJSON, err := json.Marshal(in.StageStatuses)
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("encode stage statuses: %w", err)
	}
	var failedStage interface{}
	if in.FailedStage != "" {
		failedStage = in.FailedStage
	}
	query := `
		UPDATE pipeline_runs
		SET status=$2, stage_statuses=$3, failed_stage=$4, updated_at=NOW(), finished_at=NOW()
		WHERE id=$1
		RETURNING ` + runColumns
	run, err := scanRun(s.db.QueryRowContext(ctx, query, in.ID, in.Status, statusJSON, failedStage))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PipelineRun{}, ErrNotFound
		}
		return models.PipelineRun{}, fmt.Errorf("finish run: %w", err)
	}
	return run, nil
}

func scanEvent(row rowScanner) (models.RunEvent, error) {
	var (
		ev      models.RunEvent
		message sql.NullString
	)
	if err := row.Scan(&ev.Seq, &ev.RunID, &ev.Stage, &ev.Status, &message, &ev.At); err != nil {
		return models.RunEvent{}, err
	}
	if message.Valid {
		ev.Message = message.String
	}
	return ev, nil
}

func (s *PGStore) AppendRunEvent(ctx context.Context, in EventInput) (models.RunEvent, error) {
	const query = `
		INSERT INTO run_events (run_id, stage, status, message)
		VALUES ($1,$2,$3,$4)
		RETURNING seq, run_id, stage, status, message, at
	`
	var message interface{}
	if in.Message != "" {
		message = in.Message
	}
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, in.RunID, in.Stage, in.Status, message))
	if err != nil {
		return models.RunEvent{}, fmt.Errorf("append run event: %w", err)
	}
	return ev, nil
}

func (s *PGStore) ListRunEvents(ctx context.Context, runID uuid.UUID) ([]models.RunEvent, error) {
	const query = `
		SELECT seq, run_id, stage, status, message, at
		FROM run_events
		WHERE run_id = $1
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []models.RunEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}

const targetColumns = "environment, concurrency_group, stable_revision, traffic_split, updated_at"

func scanTarget(row rowScanner) (models.DeploymentTarget, error) {
	var (
		target models.DeploymentTarget
		split  []byte
	)
	if err := row.Scan(&target.Environment, &target.Group, &target.StableRevision, &split, &target.UpdatedAt); err != nil {
		return models.DeploymentTarget{}, err
	}
	if err := json.Unmarshal(split, &target.TrafficSplit); err != nil {
		return models.DeploymentTarget{}, fmt.Errorf("decode traffic split: %w", err)
	}
	return target, nil
}

func (s *PGStore) GetTarget(ctx context.Context, environment string) (models.DeploymentTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM deployment_targets WHERE environment=$1`
	target, err := scanTarget(s.db.QueryRowContext(ctx, query, environment))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeploymentTarget{}, ErrNotFound
		}
		return models.DeploymentTarget{}, fmt.Errorf("get target: %w", err)
	}
	return target, nil
}

func (s *PGStore) UpsertTarget(ctx context.Context, in TargetInput) (models.DeploymentTarget, error) {
	if in.TrafficSplit == nil {
		in.TrafficSplit = map[string]int{}
	}
	splitJSON, err := json.Marshal(in.TrafficSplit)
	if err != nil {
		return models.DeploymentTarget{}, fmt.Errorf("encode traffic split: %w", err)
	}
	query := `
		INSERT INTO deployment_targets (environment, concurrency_group, stable_revision, traffic_split)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (environment) DO UPDATE
		SET concurrency_group=EXCLUDED.concurrency_group,
		    stable_revision=EXCLUDED.stable_revision,
		    traffic_split=EXCLUDED.traffic_split,
		    updated_at=NOW()
		RETURNING ` + targetColumns
	target, err := scanTarget(s.db.QueryRowContext(ctx, query, in.Environment, in.Group, in.StableRevision, splitJSON))
	if err != nil {
		return models.DeploymentTarget{}, fmt.Errorf("upsert target: %w", err)
	}
	return target, nil
}

// UpdateTrafficSplit replaces the whole split in one statement so readers
// never observe percentages that do not sum to 100.
func (s *PGStore) UpdateTrafficSplit(ctx context.Context, environment, stableRevision string, split map[string]int) (models.DeploymentTarget, error) {
	if err := validateSplit(split); err != nil {
		return models.DeploymentTarget{}, err
	}
	splitJSON, err := json.Marshal(split)
	if err != nil {
		return models.DeploymentTarget{}, fmt.Errorf("encode traffic split: %w", err)
	}
	query := `
		UPDATE deployment_targets
		SET stable_revision=$2, traffic_split=$3, updated_at=NOW()
		WHERE environment=$1
		RETURNING ` + targetColumns
	target, err := scanTarget(s.db.QueryRowContext(ctx, query, environment, stableRevision, splitJSON))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeploymentTarget{}, ErrNotFound
		}
		return models.DeploymentTarget{}, fmt.Errorf("update traffic split: %w", err)
	}
	return target, nil
}

func validateSplit(split map[string]int) error {
	sum := 0
	for rev, pct := range split {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("traffic split: revision %q has percentage %d out of range", rev, pct)
		}
		sum += pct
	}
	if sum != 100 {
		return fmt.Errorf("traffic split: percentages sum to %d, want 100", sum)
	}
	return nil
}

const sessionColumns = "id, run_id, environment, candidate_revision, prior_revision, steps, step_index, outcome, rollback_error, created_at, finished_at"

func scanSession(row rowScanner) (models.CanarySession, error) {
	var (
		sess        models.CanarySession
		steps       []byte
		rollbackErr sql.NullString
		finishedAt  sql.NullTime
	)
	if err := row.Scan(
		&sess.ID,
		&sess.RunID,
		&sess.Environment,
		&sess.CandidateRevision,
		&sess.PriorRevision,
		&steps,
		&sess.StepIndex,
		&sess.Outcome,
		&rollbackErr,
		&sess.CreatedAt,
		&finishedAt,
	); err != nil {
		return models.CanarySession{}, err
	}
	if err := json.Unmarshal(steps, &sess.Steps); err != nil {
		return models.CanarySession{}, fmt.Errorf("decode steps: %w", err)
	}
	if rollbackErr.Valid {
		sess.RollbackError = rollbackErr.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		sess.FinishedAt = &t
	}
	return sess, nil
}

func (s *PGStore) CreateCanarySession(ctx context.Context, in CanarySessionInput) (models.CanarySession, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	stepsJSON, err := json.Marshal(in.Steps)
	if err != nil {
		return models.CanarySession{}, fmt.Errorf("encode steps: %w", err)
	}
	query := `
		INSERT INTO canary_sessions (id, run_id, environment, candidate_revision, prior_revision, steps, step_index, outcome)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7)
		RETURNING ` + sessionColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.RunID, in.Environment, in.CandidateRevision, in.PriorRevision, stepsJSON, models.CanaryInProgress)
	sess, err := scanSession(row)
	if err != nil {
		return models.CanarySession{}, fmt.Errorf("insert canary session: %w", err)
	}
	return sess, nil
}

func (s *PGStore) GetCanarySession(ctx context.Context, id uuid.UUID) (models.CanarySession, error) {
	query := `SELECT ` + sessionColumns + ` FROM canary_sessions WHERE id=$1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CanarySession{}, ErrNotFound
		}
		return models.CanarySession{}, fmt.Errorf("get canary session: %w", err)
	}
	return sess, nil
}

func (s *PGStore) UpdateCanarySession(ctx context.Context, in CanarySessionUpdate) (models.CanarySession, error) {
	query := `
		UPDATE canary_sessions
		SET step_index=COALESCE($2, step_index),
		    outcome=COALESCE($3, outcome),
		    rollback_error=COALESCE($4, rollback_error),
		    finished_at=COALESCE($5, finished_at)
		WHERE id=$1
		RETURNING ` + sessionColumns
	var outcome interface{}
	if in.Outcome != nil {
		outcome = string(*in.Outcome)
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, in.ID, in.StepIndex, outcome, in.RollbackError, in.FinishedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CanarySession{}, ErrNotFound
		}
		return models.CanarySession{}, fmt.Errorf("update canary session: %w", err)
	}
	return sess, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
