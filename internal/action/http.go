// Package action adapts external collaborators (scanners, linters, test
// runners, image builders, deploy APIs) to the orchestrator's interfaces.
// The orchestrator never inspects a collaborator's internals; it only
// consumes the normalized outcome each adapter returns.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relaydeploy/relay/internal/models"
	"github.com/relaydeploy/relay/internal/pipeline"
)

type invokeRequest struct {
	RunID   string            `json:"runId"`
	Stage   string            `json:"stage"`
	Trigger models.Trigger    `json:"trigger"`
	Inputs  map[string]string `json:"inputs,omitempty"`
}

type invokeResponse struct {
	Status  string            `json:"status"`
	Outputs map[string]string `json:"outputs,omitempty"`
	Logs    string            `json:"logs,omitempty"`
}

// HTTPAction invokes a collaborator over HTTP. The collaborator receives the
// stage context as JSON and answers {status: succeeded|failed, outputs, logs}.
// Stage-level failures are not retried here: a failing verification stage
// must surface, not hide behind silent retries.
type HTTPAction struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPAction(url string, client *http.Client, timeout time.Duration) (*HTTPAction, error) {
	if url == "" {
		return nil, fmt.Errorf("action url required")
	}
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPAction{url: url, client: client, timeout: timeout}, nil
}

func (a *HTTPAction) Execute(ctx context.Context, ac pipeline.ActionContext) (pipeline.ActionResult, error) {
	payload := invokeRequest{
		RunID:   ac.RunID.String(),
		Stage:   ac.Stage,
		Trigger: ac.Trigger,
		Inputs:  ac.Inputs,
	}
	var resp invokeResponse
	if err := postJSON(ctx, a.client, a.url, a.timeout, payload, &resp); err != nil {
		return pipeline.ActionResult{}, err
	}
	result := pipeline.ActionResult{Outputs: resp.Outputs, Logs: resp.Logs}
	switch strings.ToLower(resp.Status) {
	case "succeeded", "success":
		return result, nil
	case "failed", "failure":
		return result, fmt.Errorf("collaborator reported failure for stage %s", ac.Stage)
	default:
		return result, fmt.Errorf("collaborator returned unknown status %q for stage %s", resp.Status, ac.Stage)
	}
}

// HTTPDeployer provisions a candidate revision through a deploy collaborator
// and returns the endpoint it reports. Satisfies canary.Deployer.
type HTTPDeployer struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPDeployer(url string, client *http.Client, timeout time.Duration) (*HTTPDeployer, error) {
	if url == "" {
		return nil, fmt.Errorf("deployer url required")
	}
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPDeployer{url: url, client: client, timeout: timeout}, nil
}

type deployRequest struct {
	Environment string            `json:"environment"`
	Revision    string            `json:"revision"`
	Inputs      map[string]string `json:"inputs,omitempty"`
}

type deployResponse struct {
	Status   string `json:"status"`
	Endpoint string `json:"endpoint"`
	Logs     string `json:"logs,omitempty"`
}

func (d *HTTPDeployer) Deploy(ctx context.Context, environment, revision string, inputs map[string]string) (string, error) {
	var resp deployResponse
	err := postJSON(ctx, d.client, d.url, d.timeout, deployRequest{
		Environment: environment,
		Revision:    revision,
		Inputs:      inputs,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(resp.Status, "succeeded") && !strings.EqualFold(resp.Status, "success") {
		return "", fmt.Errorf("deploy collaborator reported %q for %s", resp.Status, environment)
	}
	if resp.Endpoint == "" {
		return "", fmt.Errorf("deploy collaborator returned no endpoint for %s", environment)
	}
	return resp.Endpoint, nil
}

// HTTPSplitter applies traffic splits through a traffic-management
// collaborator. Satisfies canary.TrafficSplitter.
type HTTPSplitter struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPSplitter(url string, client *http.Client, timeout time.Duration) (*HTTPSplitter, error) {
	if url == "" {
		return nil, fmt.Errorf("splitter url required")
	}
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPSplitter{url: url, client: client, timeout: timeout}, nil
}

type splitRequest struct {
	Environment string         `json:"environment"`
	Split       map[string]int `json:"split"`
}

func (s *HTTPSplitter) SetTrafficSplit(ctx context.Context, environment string, split map[string]int) error {
	var resp struct {
		Status string `json:"status"`
	}
	err := postJSON(ctx, s.client, s.url, s.timeout, splitRequest{Environment: environment, Split: split}, &resp)
	if err != nil {
		return err
	}
	if !strings.EqualFold(resp.Status, "succeeded") && !strings.EqualFold(resp.Status, "success") {
		return fmt.Errorf("split collaborator reported %q for %s", resp.Status, environment)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, timeout time.Duration, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collaborator %s returned %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}
