package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies what produced a trigger.
type EventKind string

const (
	EventManualDispatch EventKind = "manual_dispatch"
	EventProposedChange EventKind = "proposed_change"
	EventDirectPush     EventKind = "direct_push"
)

// Trigger is the metadata a pipeline run is started with. Gates evaluate
// against it; actions receive it verbatim.
type Trigger struct {
	EventKind EventKind `json:"eventKind"`
	Ref       string    `json:"ref"`
}

// StageStatus is the lifecycle status of a single stage within a run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageSkipped   StageStatus = "skipped"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

// Terminal reports whether the status is final.
func (s StageStatus) Terminal() bool {
	return s == StageSkipped || s == StageSucceeded || s == StageFailed
}

// RunStatus is the overall status of a pipeline run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunAborted
}

type PipelineRun struct {
	ID            uuid.UUID              `json:"id"`
	Pipeline      string                 `json:"pipeline"`
	Trigger       Trigger                `json:"trigger"`
	Status        RunStatus              `json:"status"`
	StageStatuses map[string]StageStatus `json:"stageStatuses"`
	FailedStage   string                 `json:"failedStage,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	FinishedAt    *time.Time             `json:"finishedAt,omitempty"`
}

// RunEvent is one entry of a run's append-only event log.
type RunEvent struct {
	Seq     int64       `json:"seq"`
	RunID   uuid.UUID   `json:"runId"`
	Stage   string      `json:"stage"`
	Status  StageStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	At      time.Time   `json:"at"`
}

// DeploymentTarget is the live traffic state of one environment. It persists
// across runs and is mutated only by promotion or rollback steps.
type DeploymentTarget struct {
	Environment    string         `json:"environment"`
	Group          string         `json:"group"`
	StableRevision string         `json:"stableRevision"`
	TrafficSplit   map[string]int `json:"trafficSplit"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// CanaryOutcome is the terminal (or in-flight) disposition of a canary session.
type CanaryOutcome string

const (
	CanaryInProgress CanaryOutcome = "in_progress"
	CanaryPromoted   CanaryOutcome = "promoted"
	CanaryRolledBack CanaryOutcome = "rolled_back"
	// CanaryFailed covers deploy or split-update failures that happen before
	// any rollback is meaningful (e.g. the candidate never took traffic).
	CanaryFailed CanaryOutcome = "failed"
)

type CanarySession struct {
	ID                uuid.UUID     `json:"id"`
	RunID             uuid.UUID     `json:"runId"`
	Environment       string        `json:"environment"`
	CandidateRevision string        `json:"candidateRevision"`
	PriorRevision     string        `json:"priorRevision,omitempty"`
	Steps             []int         `json:"steps"`
	StepIndex         int           `json:"stepIndex"`
	Outcome           CanaryOutcome `json:"outcome"`
	// RollbackError is set when the rollback action itself failed. It is
	// never swallowed: the session still reports rolled_back, but operators
	// must treat the traffic state as suspect.
	RollbackError string     `json:"rollbackError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}
