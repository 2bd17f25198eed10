package canary

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaydeploy/relay/internal/models"
	"github.com/relaydeploy/relay/internal/pipeline"
	"github.com/relaydeploy/relay/internal/probe"
	"github.com/relaydeploy/relay/internal/store"
)

// ErrVerificationFailed drives the rollback transition. It is an expected,
// handled outcome of an unhealthy candidate, not a crash.
var ErrVerificationFailed = errors.New("canary verification failed")

// ErrRollbackFailed means the rollback action itself failed. It is never
// swallowed: the traffic state must be treated as inconsistent until an
// operator intervenes.
var ErrRollbackFailed = errors.New("canary rollback failed")

// Deployer provisions a candidate revision on a target and returns the
// endpoint the health prober should hit. It must not shift traffic.
type Deployer interface {
	Deploy(ctx context.Context, environment, revision string, inputs map[string]string) (endpoint string, err error)
}

// TrafficSplitter applies a traffic split on live infrastructure. The split
// maps revision identifiers to percentages summing to 100.
type TrafficSplitter interface {
	SetTrafficSplit(ctx context.Context, environment string, split map[string]int) error
}

// Prober is satisfied by *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, targetURL string, pol probe.Policy) (probe.Result, error)
}

// Spec configures the canary rollout for one deployment target.
type Spec struct {
	Environment string
	Group       string

	// Steps is the ordered traffic percentage sequence for the candidate,
	// e.g. [20, 100]. Every step is health-verified before advancing.
	Steps []int

	// HealthPath is appended to the deployed endpoint for probing.
	// Defaults to "/health".
	HealthPath string

	// Probe holds the verdict rule and retry policy, including the settle
	// wait before the first attempt of each verification.
	Probe probe.Policy
}

// Controller executes canary sessions. Callers must already hold the
// deployment target's concurrency-group lease: the controller mutates the
// target's traffic split and relies on the lease for exclusivity.
type Controller struct {
	store    store.Store
	deployer Deployer
	splitter TrafficSplitter
	prober   Prober
	logger   *log.Logger
}

func NewController(st store.Store, deployer Deployer, splitter TrafficSplitter, prober Prober, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stdout, "[canary] ", log.LstdFlags)
	}
	return &Controller{store: st, deployer: deployer, splitter: splitter, prober: prober, logger: logger}
}

// Action adapts the controller to a pipeline stage. The candidate revision is
// taken from upstream stage outputs ("revision", falling back to "image").
func (c *Controller) Action(spec Spec) pipeline.Action {
	return pipeline.ActionFunc(func(ctx context.Context, ac pipeline.ActionContext) (pipeline.ActionResult, error) {
		candidate := ac.Inputs["revision"]
		if candidate == "" {
			candidate = ac.Inputs["image"]
		}
		if candidate == "" {
			return pipeline.ActionResult{}, fmt.Errorf("canary %s: no candidate revision in stage inputs", spec.Environment)
		}
		sess, err := c.Run(ctx, ac.RunID, candidate, ac.Inputs, spec)
		result := pipeline.ActionResult{Outputs: map[string]string{
			"canarySessionId": sess.ID.String(),
			"canaryOutcome":   string(sess.Outcome),
		}}
		return result, err
	})
}

// Run drives one canary session to a terminal outcome. The returned error is
// non-nil for every outcome except Promoted, so the owning stage fails
// whenever the candidate did not fully take over.
func (c *Controller) Run(ctx context.Context, runID uuid.UUID, candidate string, inputs map[string]string, spec Spec) (models.CanarySession, error) {
	if err := validateSteps(spec.Steps); err != nil {
		return models.CanarySession{}, err
	}

	target, err := c.store.GetTarget(ctx, spec.Environment)
	if errors.Is(err, store.ErrNotFound) {
		group := spec.Group
		if group == "" {
			group = spec.Environment
		}
		target, err = c.store.UpsertTarget(ctx, store.TargetInput{
			Environment:  spec.Environment,
			Group:        group,
			TrafficSplit: map[string]int{},
		})
	}
	if err != nil {
		return models.CanarySession{}, fmt.Errorf("load target %s: %w", spec.Environment, err)
	}
	prior := target.StableRevision
	if prior == candidate {
		return models.CanarySession{}, fmt.Errorf("canary %s: candidate %q is already the stable revision", spec.Environment, candidate)
	}

	sess, err := c.store.CreateCanarySession(ctx, store.CanarySessionInput{
		RunID:             runID,
		Environment:       spec.Environment,
		CandidateRevision: candidate,
		PriorRevision:     prior,
		Steps:             spec.Steps,
	})
	if err != nil {
		return models.CanarySession{}, fmt.Errorf("create canary session: %w", err)
	}
	c.logger.Printf("session %s: deploying %s to %s (stable %q)", sess.ID, candidate, spec.Environment, prior)

	// Deploying: provision the candidate at 0% traffic.
	endpoint, err := c.deployer.Deploy(ctx, spec.Environment, candidate, inputs)
	if err != nil {
		return c.finish(ctx, sess, models.CanaryFailed, ""), fmt.Errorf("deploy %s: %w", candidate, err)
	}
	if err := c.applySplit(ctx, spec.Environment, prior, splitFor(prior, candidate, 0)); err != nil {
		return c.finish(ctx, sess, models.CanaryFailed, ""), fmt.Errorf("register candidate at 0%%: %w", err)
	}

	healthURL := joinHealthURL(endpoint, spec.HealthPath)

	for i, pct := range spec.Steps {
		// PartialTraffic: shift the next increment onto the candidate.
		c.logger.Printf("session %s: shifting %d%% to %s", sess.ID, pct, candidate)
		if err := c.applySplit(ctx, spec.Environment, prior, splitFor(prior, candidate, pct)); err != nil {
			return c.finish(ctx, sess, models.CanaryFailed, ""), fmt.Errorf("traffic split %d%%: %w", pct, err)
		}

		// Verifying: health is re-checked at every step, not just the first,
		// to catch load-related regressions that only show at higher traffic.
		res, err := c.prober.Probe(ctx, healthURL, spec.Probe)
		if err != nil {
			return c.rollback(ctx, sess, prior, candidate, fmt.Errorf("probe %s: %w", healthURL, err))
		}
		if !res.Healthy {
			return c.rollback(ctx, sess, prior, candidate,
				fmt.Errorf("%w: %s unhealthy at %d%% after %d attempts", ErrVerificationFailed, candidate, pct, len(res.Attempts)))
		}

		step := i + 1
		if sess, err = c.store.UpdateCanarySession(ctx, store.CanarySessionUpdate{ID: sess.ID, StepIndex: &step}); err != nil {
			return c.rollback(ctx, sess, prior, candidate, fmt.Errorf("persist step index: %w", err))
		}
	}

	// Promoting: candidate takes 100%; the prior revision is retained at 0%
	// (not deleted) for operator-triggered rollback.
	final := splitFor(prior, candidate, 100)
	if spec.Steps[len(spec.Steps)-1] == 100 {
		// The last verified step already shifted 100% to the candidate, so
		// only the stable pointer moves; the traffic manager is not called
		// again with the split it already holds.
		if _, err := c.store.UpdateTrafficSplit(ctx, spec.Environment, candidate, final); err != nil {
			return c.finish(ctx, sess, models.CanaryFailed, ""), fmt.Errorf("promote %s: %w", candidate, err)
		}
	} else if err := c.applySplit(ctx, spec.Environment, candidate, final); err != nil {
		return c.finish(ctx, sess, models.CanaryFailed, ""), fmt.Errorf("promote %s: %w", candidate, err)
	}
	sess = c.finish(ctx, sess, models.CanaryPromoted, "")
	c.logger.Printf("session %s: promoted %s on %s", sess.ID, candidate, spec.Environment)
	return sess, nil
}

// rollback forces traffic back to the prior stable revision. A failed
// rollback still reports RolledBack, but carries the rollback error so the
// run fails loudly and an operator is alerted.
func (c *Controller) rollback(ctx context.Context, sess models.CanarySession, prior, candidate string, cause error) (models.CanarySession, error) {
	c.logger.Printf("session %s: rolling back %s: %v", sess.ID, candidate, cause)
	if prior == "" {
		// No stable revision to restore, so no rollback action runs; the
		// original failure is reported as-is and RollbackError stays empty.
		sess = c.finish(ctx, sess, models.CanaryRolledBack, "")
		return sess, cause
	}
	if err := c.applySplit(ctx, sess.Environment, prior, splitFor(prior, candidate, 0)); err != nil {
		sess = c.finish(ctx, sess, models.CanaryRolledBack, err.Error())
		return sess, fmt.Errorf("%w: %v (triggered by: %v)", ErrRollbackFailed, err, cause)
	}
	sess = c.finish(ctx, sess, models.CanaryRolledBack, "")
	return sess, cause
}

// ForceRollback is the operator escape hatch: it restores 100% of traffic to
// the session's prior revision regardless of the session's current state.
func (c *Controller) ForceRollback(ctx context.Context, sessionID uuid.UUID) (models.CanarySession, error) {
	sess, err := c.store.GetCanarySession(ctx, sessionID)
	if err != nil {
		return models.CanarySession{}, err
	}
	if sess.PriorRevision == "" {
		return sess, fmt.Errorf("session %s has no prior revision to restore", sessionID)
	}
	if err := c.applySplit(ctx, sess.Environment, sess.PriorRevision, splitFor(sess.PriorRevision, sess.CandidateRevision, 0)); err != nil {
		sess = c.finish(ctx, sess, models.CanaryRolledBack, err.Error())
		return sess, fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	sess = c.finish(ctx, sess, models.CanaryRolledBack, "")
	c.logger.Printf("session %s: force-rolled back to %s", sess.ID, sess.PriorRevision)
	return sess, nil
}

// applySplit pushes the split to live infrastructure first, then persists it
// in a single store write so readers always see percentages summing to 100.
func (c *Controller) applySplit(ctx context.Context, environment, stable string, split map[string]int) error {
	if err := c.splitter.SetTrafficSplit(ctx, environment, split); err != nil {
		return err
	}
	if _, err := c.store.UpdateTrafficSplit(ctx, environment, stable, split); err != nil {
		return err
	}
	return nil
}

func (c *Controller) finish(ctx context.Context, sess models.CanarySession, outcome models.CanaryOutcome, rollbackErr string) models.CanarySession {
	now := time.Now().UTC()
	update := store.CanarySessionUpdate{ID: sess.ID, Outcome: &outcome, FinishedAt: &now}
	if rollbackErr != "" {
		update.RollbackError = &rollbackErr
	}
	updated, err := c.store.UpdateCanarySession(context.WithoutCancel(ctx), update)
	if err != nil {
		c.logger.Printf("session %s: persist outcome %s: %v", sess.ID, outcome, err)
		sess.Outcome = outcome
		sess.RollbackError = rollbackErr
		sess.FinishedAt = &now
		return sess
	}
	return updated
}

// splitFor builds the two-revision split with pct on the candidate. When
// there is no prior revision the candidate simply takes everything.
func splitFor(prior, candidate string, pct int) map[string]int {
	if prior == "" {
		return map[string]int{candidate: 100}
	}
	return map[string]int{candidate: pct, prior: 100 - pct}
}

func validateSteps(steps []int) error {
	if len(steps) == 0 {
		return fmt.Errorf("canary: at least one traffic step required")
	}
	prev := 0
	for _, pct := range steps {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("canary: traffic step %d out of range (0, 100]", pct)
		}
		if pct <= prev {
			return fmt.Errorf("canary: traffic steps must increase, got %v", steps)
		}
		prev = pct
	}
	return nil
}

func joinHealthURL(endpoint, healthPath string) string {
	if healthPath == "" {
		healthPath = "/health"
	}
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	return strings.TrimSuffix(endpoint, "/") + healthPath
}
