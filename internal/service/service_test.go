package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydeploy/relay/internal/lease"
	"github.com/relaydeploy/relay/internal/models"
	"github.com/relaydeploy/relay/internal/pipeline"
	"github.com/relaydeploy/relay/internal/store"
)

var discard = log.New(io.Discard, "", 0)

type capturedPublish struct {
	mu     sync.Mutex
	events []models.RunEvent
}

func (c *capturedPublish) PublishRunEvent(ctx context.Context, ev models.RunEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturedPublish) Close() error { return nil }

func (c *capturedPublish) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestService(t *testing.T, stages []pipeline.StageSpec) (*Service, *store.MemoryStore, *capturedPublish) {
	t.Helper()
	g, err := pipeline.NewGraph(stages)
	require.NoError(t, err)
	st := store.NewMemoryStore()
	pub := &capturedPublish{}
	svc, err := New(Config{
		Store:     st,
		Coord:     lease.NewCoordinator(),
		Graphs:    map[string]*pipeline.Graph{"service-deploy": g},
		Workers:   2,
		Publisher: pub,
		Logger:    discard,
	})
	require.NoError(t, err)
	return svc, st, pub
}

func okStage(id string, needs ...string) pipeline.StageSpec {
	return pipeline.StageSpec{
		ID:    id,
		Needs: needs,
		Action: pipeline.ActionFunc(func(ctx context.Context, ac pipeline.ActionContext) (pipeline.ActionResult, error) {
			return pipeline.ActionResult{}, nil
		}),
	}
}

func TestSubmitTriggerValidation(t *testing.T) {
	svc, _, _ := newTestService(t, []pipeline.StageSpec{okStage("build")})
	ctx := context.Background()

	_, err := svc.SubmitTrigger(ctx, SubmitRequest{Pipeline: "unknown", EventKind: models.EventDirectPush, Ref: "main"})
	assert.ErrorContains(t, err, "unknown pipeline")

	_, err = svc.SubmitTrigger(ctx, SubmitRequest{Pipeline: "service-deploy", EventKind: "bogus", Ref: "main"})
	assert.ErrorContains(t, err, "unknown event kind")

	_, err = svc.SubmitTrigger(ctx, SubmitRequest{Pipeline: "service-deploy", EventKind: models.EventDirectPush})
	assert.ErrorContains(t, err, "ref required")

	run, err := svc.SubmitTrigger(ctx, SubmitRequest{Pipeline: "service-deploy", EventKind: models.EventDirectPush, Ref: "main"})
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, run.Status)
	assert.Equal(t, models.StagePending, run.StageStatuses["build"])
}

func TestExecuteRunPersistsOutcomeAndEvents(t *testing.T) {
	svc, st, pub := newTestService(t, []pipeline.StageSpec{
		okStage("build"),
		okStage("deploy", "build"),
	})
	ctx := context.Background()

	run, err := svc.SubmitTrigger(ctx, SubmitRequest{Pipeline: "service-deploy", EventKind: models.EventDirectPush, Ref: "main"})
	require.NoError(t, err)
	claimed, err := st.ClaimNextRun(ctx)
	require.NoError(t, err)

	finished, err := svc.ExecuteRun(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, finished.Status)
	assert.Equal(t, models.StageSucceeded, finished.StageStatuses["build"])
	assert.Equal(t, models.StageSucceeded, finished.StageStatuses["deploy"])

	events, err := st.ListRunEvents(ctx, run.ID)
	require.NoError(t, err)
	// Each stage emits running then succeeded.
	assert.Len(t, events, 4)
	assert.Equal(t, len(events), pub.count())

	// Re-querying a terminal run returns the same result and mutates nothing.
	again, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, finished, again)
	eventsAgain, err := st.ListRunEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, events, eventsAgain)
}

func TestExecuteRunFailureRecordsFailedStage(t *testing.T) {
	svc, st, _ := newTestService(t, []pipeline.StageSpec{
		{ID: "test", Action: pipeline.ActionFunc(func(ctx context.Context, ac pipeline.ActionContext) (pipeline.ActionResult, error) {
			return pipeline.ActionResult{}, fmt.Errorf("3 tests failed")
		})},
		okStage("deploy", "test"),
	})
	ctx := context.Background()

	_, err := svc.SubmitTrigger(ctx, SubmitRequest{Pipeline: "service-deploy", EventKind: models.EventDirectPush, Ref: "main"})
	require.NoError(t, err)
	claimed, err := st.ClaimNextRun(ctx)
	require.NoError(t, err)

	finished, err := svc.ExecuteRun(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, finished.Status)
	assert.Equal(t, "test", finished.FailedStage)
	assert.Equal(t, models.StageSkipped, finished.StageStatuses["deploy"])
}

func TestAbortQueuedRun(t *testing.T) {
	svc, _, _ := newTestService(t, []pipeline.StageSpec{okStage("build"), okStage("deploy", "build")})
	ctx := context.Background()

	run, err := svc.SubmitTrigger(ctx, SubmitRequest{Pipeline: "service-deploy", EventKind: models.EventDirectPush, Ref: "main"})
	require.NoError(t, err)

	aborted, err := svc.AbortRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunAborted, aborted.Status)
	assert.Equal(t, models.StageSkipped, aborted.StageStatuses["build"])
	assert.Equal(t, models.StageSkipped, aborted.StageStatuses["deploy"])
}

func TestAbortTerminalRunIsRejected(t *testing.T) {
	svc, st, _ := newTestService(t, []pipeline.StageSpec{okStage("build")})
	ctx := context.Background()

	run, err := svc.SubmitTrigger(ctx, SubmitRequest{Pipeline: "service-deploy", EventKind: models.EventDirectPush, Ref: "main"})
	require.NoError(t, err)
	claimed, err := st.ClaimNextRun(ctx)
	require.NoError(t, err)
	_, err = svc.ExecuteRun(ctx, claimed)
	require.NoError(t, err)

	_, err = svc.AbortRun(ctx, run.ID)
	assert.ErrorContains(t, err, "already terminal")
}

func TestAbortExecutingRunCancels(t *testing.T) {
	started := make(chan struct{})
	svc, st, _ := newTestService(t, []pipeline.StageSpec{
		{ID: "slow", Action: pipeline.ActionFunc(func(ctx context.Context, ac pipeline.ActionContext) (pipeline.ActionResult, error) {
			close(started)
			<-ctx.Done()
			return pipeline.ActionResult{}, ctx.Err()
		})},
	})
	ctx := context.Background()

	run, err := svc.SubmitTrigger(ctx, SubmitRequest{Pipeline: "service-deploy", EventKind: models.EventDirectPush, Ref: "main"})
	require.NoError(t, err)
	claimed, err := st.ClaimNextRun(ctx)
	require.NoError(t, err)

	done := make(chan models.PipelineRun, 1)
	go func() {
		finished, err := svc.ExecuteRun(ctx, claimed)
		if err != nil {
			t.Errorf("execute: %v", err)
		}
		done <- finished
	}()

	<-started
	_, err = svc.AbortRun(ctx, run.ID)
	require.NoError(t, err)

	select {
	case finished := <-done:
		assert.True(t, finished.Status.Terminal())
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate after abort")
	}
}

func TestExecuteRunUnknownPipelineFails(t *testing.T) {
	svc, st, _ := newTestService(t, []pipeline.StageSpec{okStage("build")})
	ctx := context.Background()

	run, err := st.CreateRun(ctx, store.RunInput{
		Pipeline: "ghost",
		Trigger:  models.Trigger{EventKind: models.EventDirectPush, Ref: "main"},
		StageIDs: []string{"build"},
	})
	require.NoError(t, err)

	_, err = svc.ExecuteRun(ctx, run)
	require.Error(t, err)
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
}

func TestForceReleaseLease(t *testing.T) {
	svc, _, _ := newTestService(t, []pipeline.StageSpec{okStage("build")})
	assert.False(t, svc.ForceReleaseLease("production"))

	_, err := svc.coord.Acquire(context.Background(), "production", 0)
	require.NoError(t, err)
	assert.True(t, svc.ForceReleaseLease("production"))
}

func TestPipelinesListing(t *testing.T) {
	svc, _, _ := newTestService(t, []pipeline.StageSpec{okStage("build"), okStage("deploy", "build")})
	got := svc.Pipelines()
	require.Contains(t, got, "service-deploy")
	assert.Equal(t, []string{"build", "deploy"}, got["service-deploy"])
}

func TestListRunEventsUnknownRun(t *testing.T) {
	svc, _, _ := newTestService(t, []pipeline.StageSpec{okStage("build")})
	_, err := svc.ListRunEvents(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
