package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func noopAction() Action {
	return ActionFunc(func(ctx context.Context, ac ActionContext) (ActionResult, error) {
		return ActionResult{}, nil
	})
}

func TestNewGraphValid(t *testing.T) {
	g, err := NewGraph([]StageSpec{
		{ID: "scan", Action: noopAction()},
		{ID: "lint", Action: noopAction()},
		{ID: "test", Needs: []string{"scan", "lint"}, Action: noopAction()},
		{ID: "build", Needs: []string{"test"}, Action: noopAction()},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	if g.Len() != 4 {
		t.Fatalf("expected 4 stages, got %d", g.Len())
	}
	ids := g.StageIDs()
	if ids[0] != "scan" || ids[3] != "build" {
		t.Fatalf("stage order not preserved: %v", ids)
	}
}

func TestNewGraphEmpty(t *testing.T) {
	_, err := NewGraph(nil)
	assertGraphError(t, err, "no stages")
}

func TestNewGraphDuplicateID(t *testing.T) {
	_, err := NewGraph([]StageSpec{
		{ID: "build", Action: noopAction()},
		{ID: "build", Action: noopAction()},
	})
	assertGraphError(t, err, "duplicate")
}

func TestNewGraphDanglingDependency(t *testing.T) {
	_, err := NewGraph([]StageSpec{
		{ID: "deploy", Needs: []string{"missing"}, Action: noopAction()},
	})
	assertGraphError(t, err, "unknown stage")
}

func TestNewGraphSelfDependency(t *testing.T) {
	_, err := NewGraph([]StageSpec{
		{ID: "deploy", Needs: []string{"deploy"}, Action: noopAction()},
	})
	assertGraphError(t, err, "depends on itself")
}

func TestNewGraphCycle(t *testing.T) {
	_, err := NewGraph([]StageSpec{
		{ID: "a", Needs: []string{"c"}, Action: noopAction()},
		{ID: "b", Needs: []string{"a"}, Action: noopAction()},
		{ID: "c", Needs: []string{"b"}, Action: noopAction()},
	})
	assertGraphError(t, err, "cycle")
}

func TestNewGraphMissingAction(t *testing.T) {
	_, err := NewGraph([]StageSpec{{ID: "a"}})
	assertGraphError(t, err, "no action")
}

func assertGraphError(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected graph error containing %q, got nil", substr)
	}
	var ge *GraphError
	if !errors.As(err, &ge) {
		t.Fatalf("expected *GraphError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error %q does not mention %q", err.Error(), substr)
	}
}
