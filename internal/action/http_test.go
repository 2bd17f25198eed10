package action

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydeploy/relay/internal/models"
	"github.com/relaydeploy/relay/internal/pipeline"
)

func collaborator(t *testing.T, handler func(req invokeRequest) invokeResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(handler(req))
	}))
}

func TestHTTPActionSuccess(t *testing.T) {
	srv := collaborator(t, func(req invokeRequest) invokeResponse {
		assert.Equal(t, "build", req.Stage)
		assert.Equal(t, "main", req.Trigger.Ref)
		assert.Equal(t, "abc123", req.Inputs["sha"])
		return invokeResponse{Status: "succeeded", Outputs: map[string]string{"image": "app:abc123"}, Logs: "built in 42s"}
	})
	defer srv.Close()

	act, err := NewHTTPAction(srv.URL, nil, time.Minute)
	require.NoError(t, err)

	res, err := act.Execute(context.Background(), pipeline.ActionContext{
		RunID:   uuid.New(),
		Stage:   "build",
		Trigger: models.Trigger{EventKind: models.EventDirectPush, Ref: "main"},
		Inputs:  map[string]string{"sha": "abc123"},
	})
	require.NoError(t, err)
	assert.Equal(t, "app:abc123", res.Outputs["image"])
	assert.Equal(t, "built in 42s", res.Logs)
}

func TestHTTPActionReportedFailure(t *testing.T) {
	srv := collaborator(t, func(invokeRequest) invokeResponse {
		return invokeResponse{Status: "failed", Logs: "3 tests failed"}
	})
	defer srv.Close()

	act, err := NewHTTPAction(srv.URL, nil, time.Minute)
	require.NoError(t, err)

	res, err := act.Execute(context.Background(), pipeline.ActionContext{RunID: uuid.New(), Stage: "test"})
	require.Error(t, err)
	// Logs survive the failure so operators can see why.
	assert.Equal(t, "3 tests failed", res.Logs)
}

func TestHTTPActionUnknownStatus(t *testing.T) {
	srv := collaborator(t, func(invokeRequest) invokeResponse {
		return invokeResponse{Status: "maybe"}
	})
	defer srv.Close()

	act, err := NewHTTPAction(srv.URL, nil, time.Minute)
	require.NoError(t, err)
	_, err = act.Execute(context.Background(), pipeline.ActionContext{RunID: uuid.New(), Stage: "test"})
	assert.ErrorContains(t, err, "unknown status")
}

func TestHTTPActionNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	act, err := NewHTTPAction(srv.URL, nil, time.Minute)
	require.NoError(t, err)
	_, err = act.Execute(context.Background(), pipeline.ActionContext{RunID: uuid.New(), Stage: "test"})
	require.Error(t, err)
}

func TestHTTPActionDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	act, err := NewHTTPAction(srv.URL, nil, time.Minute)
	require.NoError(t, err)
	_, _ = act.Execute(context.Background(), pipeline.ActionContext{RunID: uuid.New(), Stage: "test"})
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPDeployer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deployRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "production", req.Environment)
		assert.Equal(t, "v2", req.Revision)
		json.NewEncoder(w).Encode(deployResponse{Status: "succeeded", Endpoint: "http://prod-canary:8080"})
	}))
	defer srv.Close()

	d, err := NewHTTPDeployer(srv.URL, nil, time.Minute)
	require.NoError(t, err)
	endpoint, err := d.Deploy(context.Background(), "production", "v2", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://prod-canary:8080", endpoint)
}

func TestHTTPDeployerMissingEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(deployResponse{Status: "succeeded"})
	}))
	defer srv.Close()

	d, err := NewHTTPDeployer(srv.URL, nil, time.Minute)
	require.NoError(t, err)
	_, err = d.Deploy(context.Background(), "production", "v2", nil)
	assert.ErrorContains(t, err, "no endpoint")
}

func TestHTTPSplitter(t *testing.T) {
	var got splitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"status": "succeeded"})
	}))
	defer srv.Close()

	s, err := NewHTTPSplitter(srv.URL, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.SetTrafficSplit(context.Background(), "production", map[string]int{"v2": 20, "v1": 80}))
	assert.Equal(t, "production", got.Environment)
	assert.Equal(t, map[string]int{"v2": 20, "v1": 80}, got.Split)
}

func TestConstructorsRequireURL(t *testing.T) {
	if _, err := NewHTTPAction("", nil, 0); err == nil {
		t.Fatal("action url must be required")
	}
	if _, err := NewHTTPDeployer("", nil, 0); err == nil {
		t.Fatal("deployer url must be required")
	}
	if _, err := NewHTTPSplitter("", nil, 0); err == nil {
		t.Fatal("splitter url must be required")
	}
}
