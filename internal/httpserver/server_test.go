package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydeploy/relay/internal/canary"
	"github.com/relaydeploy/relay/internal/config"
	"github.com/relaydeploy/relay/internal/lease"
	"github.com/relaydeploy/relay/internal/models"
	"github.com/relaydeploy/relay/internal/pipeline"
	"github.com/relaydeploy/relay/internal/probe"
	"github.com/relaydeploy/relay/internal/service"
	"github.com/relaydeploy/relay/internal/store"
)

var discard = log.New(io.Discard, "", 0)

type nopDeployer struct{}

func (nopDeployer) Deploy(ctx context.Context, environment, revision string, inputs map[string]string) (string, error) {
	return "http://deployed", nil
}

type nopSplitter struct{}

func (nopSplitter) SetTrafficSplit(ctx context.Context, environment string, split map[string]int) error {
	return nil
}

type alwaysHealthy struct{}

func (alwaysHealthy) Probe(ctx context.Context, targetURL string, pol probe.Policy) (probe.Result, error) {
	return probe.Result{Healthy: true, Basis: "status"}, nil
}

func newTestServer(t *testing.T, secret string) (http.Handler, *store.MemoryStore) {
	t.Helper()
	g, err := pipeline.NewGraph([]pipeline.StageSpec{
		{ID: "build", Action: pipeline.ActionFunc(func(ctx context.Context, ac pipeline.ActionContext) (pipeline.ActionResult, error) {
			return pipeline.ActionResult{}, nil
		})},
	})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	ctrl := canary.NewController(st, nopDeployer{}, nopSplitter{}, alwaysHealthy{}, discard)
	svc, err := service.New(service.Config{
		Store:   st,
		Coord:   lease.NewCoordinator(),
		Graphs:  map[string]*pipeline.Graph{"service-deploy": g},
		Workers: 1,
		Canary:  ctrl,
		Logger:  discard,
	})
	require.NoError(t, err)

	srv := New(config.Config{AuthSecret: secret}, svc)
	return srv.Router(), st
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t, "")
	rec := doJSON(t, router, "GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRun(t *testing.T) {
	router, _ := newTestServer(t, "")
	rec := doJSON(t, router, "POST", "/v1/runs", map[string]string{
		"pipeline":  "service-deploy",
		"eventKind": "direct_push",
		"ref":       "main",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var run models.PipelineRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, models.RunQueued, run.Status)
	assert.NotEqual(t, uuid.Nil, run.ID)
}

func TestSubmitRunRejectsBadEventKind(t *testing.T) {
	router, _ := newTestServer(t, "")
	rec := doJSON(t, router, "POST", "/v1/runs", map[string]string{
		"pipeline":  "service-deploy",
		"eventKind": "cron",
		"ref":       "main",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	router, _ := newTestServer(t, "")
	rec := doJSON(t, router, "GET", "/v1/runs/"+uuid.NewString(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, "GET", "/v1/runs/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEventsEmptyList(t *testing.T) {
	router, st := newTestServer(t, "")
	run, err := st.CreateRun(context.Background(), store.RunInput{
		Pipeline: "service-deploy",
		Trigger:  models.Trigger{EventKind: models.EventDirectPush, Ref: "main"},
		StageIDs: []string{"build"},
	})
	require.NoError(t, err)

	rec := doJSON(t, router, "GET", "/v1/runs/"+run.ID.String()+"/events", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestPipelinesListing(t *testing.T) {
	router, _ := newTestServer(t, "")
	rec := doJSON(t, router, "GET", "/v1/pipelines", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var pipelines map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pipelines))
	assert.Equal(t, []string{"build"}, pipelines["service-deploy"])
}

func TestGetTarget(t *testing.T) {
	router, st := newTestServer(t, "")
	_, err := st.UpsertTarget(context.Background(), store.TargetInput{
		Environment:    "production",
		Group:          "production",
		StableRevision: "v1",
		TrafficSplit:   map[string]int{"v1": 100},
	})
	require.NoError(t, err)

	rec := doJSON(t, router, "GET", "/v1/targets/production", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var target models.DeploymentTarget
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &target))
	assert.Equal(t, "v1", target.StableRevision)

	rec = doJSON(t, router, "GET", "/v1/targets/nowhere", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceReleaseWithoutLease(t *testing.T) {
	router, _ := newTestServer(t, "")
	rec := doJSON(t, router, "POST", "/v1/leases/production/force-release", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestForceRollback(t *testing.T) {
	router, st := newTestServer(t, "")
	_, err := st.UpsertTarget(context.Background(), store.TargetInput{
		Environment:    "production",
		Group:          "production",
		StableRevision: "v1",
		TrafficSplit:   map[string]int{"v1": 100},
	})
	require.NoError(t, err)
	sess, err := st.CreateCanarySession(context.Background(), store.CanarySessionInput{
		RunID:             uuid.New(),
		Environment:       "production",
		CandidateRevision: "v2",
		PriorRevision:     "v1",
		Steps:             []int{20, 100},
	})
	require.NoError(t, err)

	rec := doJSON(t, router, "POST", "/v1/canary/"+sess.ID.String()+"/force-rollback", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.CanarySession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.CanaryRolledBack, got.Outcome)

	rec = doJSON(t, router, "POST", "/v1/canary/"+uuid.NewString()+"/force-rollback", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteEndpointsRequireBearerToken(t *testing.T) {
	const secret = "test-secret"
	router, _ := newTestServer(t, secret)

	body := map[string]string{"pipeline": "service-deploy", "eventKind": "direct_push", "ref": "main"}
	rec := doJSON(t, router, "POST", "/v1/runs", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := signToken(t, secret, time.Now().Add(time.Hour))
	rec = doJSON(t, router, "POST", "/v1/runs", body, token)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	expired := signToken(t, secret, time.Now().Add(-time.Hour))
	rec = doJSON(t, router, "POST", "/v1/runs", body, expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads stay open.
	rec = doJSON(t, router, "GET", "/v1/pipelines", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func signToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ci-bot",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}
