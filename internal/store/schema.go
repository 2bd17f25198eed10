package store

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
  id uuid PRIMARY KEY,
  pipeline text NOT NULL,
  trigger jsonb NOT NULL,
  status text NOT NULL,
  stage_statuses jsonb NOT NULL,
  failed_stage text,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  finished_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status_created ON pipeline_runs (status, created_at);

CREATE TABLE IF NOT EXISTS run_events (
  seq bigserial PRIMARY KEY,
  run_id uuid NOT NULL REFERENCES pipeline_runs(id),
  stage text NOT NULL,
  status text NOT NULL,
  message text,
  at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events (run_id, seq);

CREATE TABLE IF NOT EXISTS deployment_targets (
  environment text PRIMARY KEY,
  concurrency_group text NOT NULL,
  stable_revision text NOT NULL,
  traffic_split jsonb NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS canary_sessions (
  id uuid PRIMARY KEY,
  run_id uuid NOT NULL,
  environment text NOT NULL,
  candidate_revision text NOT NULL,
  prior_revision text NOT NULL,
  steps jsonb NOT NULL,
  step_index int NOT NULL DEFAULT 0,
  outcome text NOT NULL,
  rollback_error text,
  created_at timestamptz NOT NULL DEFAULT now(),
  finished_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_canary_sessions_run_id ON canary_sessions (run_id);
`

// EnsureSchema creates the tables the store needs. Idempotent; safe to run at
// every startup.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
