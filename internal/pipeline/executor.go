package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydeploy/relay/internal/models"
)

// Lease is a held admission token for a concurrency group.
type Lease interface {
	Release()
}

// LeaseCoordinator serializes group-guarded stages. Acquire blocks until the
// group is free (FIFO across callers); wait > 0 bounds the block.
type LeaseCoordinator interface {
	Acquire(ctx context.Context, group string, wait time.Duration) (Lease, error)
}

// EventSink receives every stage status transition of a run, in order.
type EventSink interface {
	StageEvent(ctx context.Context, runID uuid.UUID, stage string, status models.StageStatus, message string)
}

// Result is the terminal outcome of one pipeline run execution.
type Result struct {
	Status        models.RunStatus
	StageStatuses map[string]models.StageStatus
	Outputs       map[string]map[string]string
	Logs          map[string]string
	FailedStage   string
}

type Executor struct {
	workers int
	coord   LeaseCoordinator
	logger  *log.Logger
}

type ExecutorConfig struct {
	// Workers bounds how many actions execute concurrently. Defaults to 4.
	Workers int
	Logger  *log.Logger
}

func NewExecutor(coord LeaseCoordinator, cfg ExecutorConfig) *Executor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[executor] ", log.LstdFlags)
	}
	return &Executor{workers: workers, coord: coord, logger: logger}
}

// stageOutcome is the future a stage's dependents wait on. done is closed
// exactly once, after status and outputs are final.
type stageOutcome struct {
	done    chan struct{}
	status  models.StageStatus
	outputs map[string]string
	logs    string
	err     error
}

// Run executes the graph for one trigger and blocks until every stage is
// terminal. Cancelling ctx aborts the run: stages that have not started are
// marked skipped, in-flight actions see the cancellation through their
// context, and held leases are released on the way out.
func (e *Executor) Run(ctx context.Context, g *Graph, trigger models.Trigger, runID uuid.UUID, sink EventSink) Result {
	outcomes := make([]*stageOutcome, g.Len())
	for i := range outcomes {
		outcomes[i] = &stageOutcome{done: make(chan struct{})}
	}
	sem := make(chan struct{}, e.workers)

	var wg sync.WaitGroup
	for i := 0; i < g.Len(); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.runStage(ctx, g, i, trigger, runID, outcomes, sem, sink)
		}(i)
	}
	wg.Wait()

	res := Result{
		StageStatuses: make(map[string]models.StageStatus, g.Len()),
		Outputs:       make(map[string]map[string]string),
		Logs:          make(map[string]string),
	}
	failed := false
	for i := 0; i < g.Len(); i++ {
		id := g.stage(i).ID
		out := outcomes[i]
		res.StageStatuses[id] = out.status
		if len(out.outputs) > 0 {
			res.Outputs[id] = out.outputs
		}
		if out.logs != "" {
			res.Logs[id] = out.logs
		}
		if out.status == models.StageFailed {
			failed = true
			if res.FailedStage == "" {
				res.FailedStage = id
			}
		}
	}
	switch {
	case failed:
		res.Status = models.RunFailed
	case ctx.Err() != nil:
		res.Status = models.RunAborted
	default:
		res.Status = models.RunSucceeded
	}
	return res
}

func (e *Executor) runStage(ctx context.Context, g *Graph, i int, trigger models.Trigger, runID uuid.UUID, outcomes []*stageOutcome, sem chan struct{}, sink EventSink) {
	spec := g.stage(i)
	out := outcomes[i]
	finish := func(status models.StageStatus, message string) {
		out.status = status
		close(out.done)
		if sink != nil {
			sink.StageEvent(ctx, runID, spec.ID, status, message)
		}
	}

	// Suspend until every dependency is terminal. Parents always close their
	// done channel, so this cannot deadlock on a validated graph.
	for _, p := range g.parents[i] {
		<-outcomes[p].done
	}

	// Skip is infectious: a failed or skipped dependency skips this stage
	// before its gate is even consulted.
	for _, p := range g.parents[i] {
		switch outcomes[p].status {
		case models.StageFailed:
			finish(models.StageSkipped, fmt.Sprintf("dependency %s failed", g.stage(p).ID))
			return
		case models.StageSkipped:
			finish(models.StageSkipped, fmt.Sprintf("dependency %s skipped", g.stage(p).ID))
			return
		}
	}

	if !spec.Gate.Eligible(trigger, e.logger) {
		finish(models.StageSkipped, "gate not eligible")
		return
	}

	if ctx.Err() != nil {
		finish(models.StageSkipped, "run aborted")
		return
	}

	// Group-guarded stages block on admission before execution and release on
	// every exit path, success or failure.
	if spec.Group != "" {
		lease, err := e.coord.Acquire(ctx, spec.Group, spec.LeaseWait)
		if err != nil {
			if ctx.Err() != nil {
				finish(models.StageSkipped, "run aborted")
				return
			}
			out.err = err
			finish(models.StageFailed, fmt.Sprintf("lease for group %s: %v", spec.Group, err))
			return
		}
		defer lease.Release()
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		finish(models.StageSkipped, "run aborted")
		return
	}

	if sink != nil {
		sink.StageEvent(ctx, runID, spec.ID, models.StageRunning, "")
	}
	e.logger.Printf("run %s stage %s started", runID, spec.ID)

	result, err := spec.Action.Execute(ctx, ActionContext{
		RunID:   runID,
		Stage:   spec.ID,
		Trigger: trigger,
		Inputs:  collectInputs(g, i, outcomes),
	})
	out.outputs = result.Outputs
	out.logs = result.Logs
	if err != nil {
		out.err = err
		e.logger.Printf("run %s stage %s failed: %v", runID, spec.ID, err)
		finish(models.StageFailed, err.Error())
		return
	}
	e.logger.Printf("run %s stage %s succeeded", runID, spec.ID)
	finish(models.StageSucceeded, "")
}

// collectInputs merges the outputs of all dependencies into a fresh map. The
// copy keeps actions from mutating each other's results.
func collectInputs(g *Graph, i int, outcomes []*stageOutcome) map[string]string {
	inputs := make(map[string]string)
	for _, p := range g.parents[i] {
		for k, v := range outcomes[p].outputs {
			inputs[k] = v
		}
	}
	return inputs
}
