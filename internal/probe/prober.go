package probe

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Policy configures one probe: how many attempts, how the backoff grows, and
// what counts as healthy.
type Policy struct {
	// MaxAttempts bounds the retry loop. Defaults to 12.
	MaxAttempts int

	// BaseInterval scales the linear backoff: the wait after attempt n is
	// n * BaseInterval. Defaults to 5s.
	BaseInterval time.Duration

	// InitialDelay is a fixed settle wait before the first attempt, to let a
	// fresh revision start serving. Zero means probe immediately.
	InitialDelay time.Duration

	// ExpectStatus is the HTTP status that counts as healthy. Defaults to 200.
	ExpectStatus int

	// ExpectSubstring, when non-empty, must additionally appear in the
	// response body. Substring matching on human-readable text is fragile;
	// prefer a dedicated status endpoint when the collaborator offers one.
	ExpectSubstring string

	// AttemptTimeout bounds each individual request. Defaults to 10s.
	AttemptTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 12
	}
	if p.BaseInterval <= 0 {
		p.BaseInterval = 5 * time.Second
	}
	if p.ExpectStatus == 0 {
		p.ExpectStatus = http.StatusOK
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 10 * time.Second
	}
	return p
}

// Attempt records one probe attempt. Status is zero when the request never
// got a response.
type Attempt struct {
	Status  int           `json:"status,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Result is the final verdict of a probe.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Attempts []Attempt `json:"attempts"`
	// Basis names what the verdict was decided on: "status" or
	// "status+body". Empty for unhealthy results.
	Basis string `json:"basis,omitempty"`
}

type Prober struct {
	client *http.Client
	logger *log.Logger
}

func NewProber(client *http.Client, logger *log.Logger) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[probe] ", log.LstdFlags)
	}
	return &Prober{client: client, logger: logger}
}

// Probe retries GET targetURL until the verdict rule is satisfied or attempts
// are exhausted. Exhaustion is an expected outcome, not an error: the returned
// error is non-nil only when the context was cancelled or the URL is unusable.
// A connection error counts as a failed attempt like any other.
func (p *Prober) Probe(ctx context.Context, targetURL string, pol Policy) (Result, error) {
	pol = pol.withDefaults()
	if targetURL == "" {
		return Result{}, fmt.Errorf("probe: target url required")
	}

	if pol.InitialDelay > 0 {
		if err := sleep(ctx, pol.InitialDelay); err != nil {
			return Result{}, err
		}
	}

	res := Result{Attempts: make([]Attempt, 0, pol.MaxAttempts)}
	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		rec, healthy, basis := p.attempt(ctx, targetURL, pol)
		res.Attempts = append(res.Attempts, rec)
		if healthy {
			res.Healthy = true
			res.Basis = basis
			return res, nil
		}
		p.logger.Printf("attempt %d/%d unhealthy for %s (status=%d err=%q)",
			attempt, pol.MaxAttempts, targetURL, rec.Status, rec.Error)
		if attempt < pol.MaxAttempts {
			if err := sleep(ctx, time.Duration(attempt)*pol.BaseInterval); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (p *Prober) attempt(ctx context.Context, targetURL string, pol Policy) (Attempt, bool, string) {
	reqCtx, cancel := context.WithTimeout(ctx, pol.AttemptTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		return Attempt{Latency: time.Since(start), Error: err.Error()}, false, ""
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Attempt{Latency: time.Since(start), Error: err.Error()}, false, ""
	}
	defer resp.Body.Close()

	rec := Attempt{Status: resp.StatusCode, Latency: time.Since(start)}
	if resp.StatusCode != pol.ExpectStatus {
		return rec, false, ""
	}
	if pol.ExpectSubstring == "" {
		return rec, true, "status"
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		rec.Error = err.Error()
		return rec, false, ""
	}
	if !strings.Contains(string(body), pol.ExpectSubstring) {
		return rec, false, ""
	}
	return rec, true, "status+body"
}

// sleep waits without blocking sibling stages; cancellation interrupts it.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
