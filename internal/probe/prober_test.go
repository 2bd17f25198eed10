package probe

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

var discard = log.New(io.Discard, "", 0)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:    maxAttempts,
		BaseInterval:   time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func TestProbeHealthyOnStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := NewProber(nil, discard).Probe(context.Background(), srv.URL, fastPolicy(3))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !res.Healthy {
		t.Fatal("expected healthy")
	}
	if res.Basis != "status" {
		t.Fatalf("expected basis status, got %q", res.Basis)
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(res.Attempts))
	}
}

func TestProbeRecoversAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := NewProber(nil, discard).Probe(context.Background(), srv.URL, fastPolicy(5))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !res.Healthy {
		t.Fatal("expected healthy after recovery")
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(res.Attempts))
	}
}

func TestProbeExhaustionIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res, err := NewProber(nil, discard).Probe(context.Background(), srv.URL, fastPolicy(4))
	if err != nil {
		t.Fatalf("exhaustion must not surface as an error, got %v", err)
	}
	if res.Healthy {
		t.Fatal("expected unhealthy")
	}
	if len(res.Attempts) != 4 {
		t.Fatalf("expected all 4 attempts recorded, got %d", len(res.Attempts))
	}
}

func TestProbeSubstringVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"serving traffic"}`)
	}))
	defer srv.Close()

	pol := fastPolicy(2)
	pol.ExpectSubstring = "serving traffic"
	res, err := NewProber(nil, discard).Probe(context.Background(), srv.URL, pol)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !res.Healthy || res.Basis != "status+body" {
		t.Fatalf("expected healthy on status+body, got healthy=%v basis=%q", res.Healthy, res.Basis)
	}

	pol.ExpectSubstring = "not present"
	res, err = NewProber(nil, discard).Probe(context.Background(), srv.URL, pol)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.Healthy {
		t.Fatal("expected unhealthy when substring is absent")
	}
}

func TestProbeConnectionErrorCountsAsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	res, err := NewProber(nil, discard).Probe(context.Background(), srv.URL, fastPolicy(2))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.Healthy {
		t.Fatal("expected unhealthy")
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(res.Attempts))
	}
	if res.Attempts[0].Error == "" {
		t.Fatal("connection error should be recorded on the attempt")
	}
}

func TestProbeLinearBackoffGrows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	pol := fastPolicy(3)
	pol.BaseInterval = 30 * time.Millisecond

	start := time.Now()
	if _, err := NewProber(nil, discard).Probe(context.Background(), srv.URL, pol); err != nil {
		t.Fatalf("probe: %v", err)
	}
	// Waits between attempts: 1*30ms + 2*30ms = 90ms minimum.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("backoff too short: %v", elapsed)
	}
}

func TestProbeCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	pol := fastPolicy(10)
	pol.BaseInterval = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewProber(nil, discard).Probe(ctx, srv.URL, pol)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestProbeEmptyURL(t *testing.T) {
	if _, err := NewProber(nil, discard).Probe(context.Background(), "", fastPolicy(1)); err == nil {
		t.Fatal("expected error for empty url")
	}
}
