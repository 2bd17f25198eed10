// Package pipelinefile loads pipeline definitions from YAML and builds
// validated stage graphs out of them.
package pipelinefile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaydeploy/relay/internal/models"
	"github.com/relaydeploy/relay/internal/pipeline"
)

type Config struct {
	Pipelines []PipelineConfig        `yaml:"pipelines"`
	Actions   map[string]ActionConfig `yaml:"actions"`
	Canary    CanaryEndpoints         `yaml:"canary"`
}

type PipelineConfig struct {
	Name   string        `yaml:"name"`
	Stages []StageConfig `yaml:"stages"`
}

type StageConfig struct {
	ID        string        `yaml:"id"`
	Needs     []string      `yaml:"needs"`
	Action    string        `yaml:"action"`
	Group     string        `yaml:"group"`
	LeaseWait string        `yaml:"leaseWait"`
	Gate      *GateConfig   `yaml:"gate"`
	Canary    *CanaryConfig `yaml:"canary"`
}

type GateConfig struct {
	Ref       string   `yaml:"ref"`
	RefPrefix string   `yaml:"refPrefix"`
	Events    []string `yaml:"events"`
}

type CanaryConfig struct {
	Environment     string `yaml:"environment"`
	Steps           []int  `yaml:"steps"`
	HealthPath      string `yaml:"healthPath"`
	ExpectStatus    int    `yaml:"expectStatus"`
	ExpectSubstring string `yaml:"expectSubstring"`
	MaxAttempts     int    `yaml:"maxAttempts"`
	BaseInterval    string `yaml:"baseInterval"`
	SettleWait      string `yaml:"settleWait"`
}

type ActionConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

type CanaryEndpoints struct {
	DeployerURL string `yaml:"deployerUrl"`
	SplitterURL string `yaml:"splitterUrl"`
}

// Load reads and parses a pipeline file. Structural graph validation happens
// later in Build; Load only checks the YAML shape.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read pipeline file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse pipeline file: %w", err)
	}
	if len(cfg.Pipelines) == 0 {
		return Config{}, fmt.Errorf("pipeline file defines no pipelines")
	}
	for _, p := range cfg.Pipelines {
		if p.Name == "" {
			return Config{}, fmt.Errorf("pipeline with empty name")
		}
	}
	return cfg, nil
}

// BuildDeps supplies the collaborator adapters graph building needs. Actions
// maps action names to adapters; CanaryAction turns a canary stage config
// into its rollout action.
type BuildDeps struct {
	Actions      map[string]pipeline.Action
	CanaryAction func(stage StageConfig, cfg CanaryConfig) (pipeline.Action, error)

	// DefaultLeaseWait applies to grouped stages that set no leaseWait of
	// their own. Zero means wait indefinitely.
	DefaultLeaseWait time.Duration
}

// Build turns every pipeline in the config into a validated graph.
func Build(cfg Config, deps BuildDeps) (map[string]*pipeline.Graph, error) {
	graphs := make(map[string]*pipeline.Graph, len(cfg.Pipelines))
	for _, pc := range cfg.Pipelines {
		if _, dup := graphs[pc.Name]; dup {
			return nil, fmt.Errorf("duplicate pipeline name %q", pc.Name)
		}
		specs := make([]pipeline.StageSpec, 0, len(pc.Stages))
		for _, sc := range pc.Stages {
			spec, err := buildStage(pc.Name, sc, deps)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		g, err := pipeline.NewGraph(specs)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", pc.Name, err)
		}
		graphs[pc.Name] = g
	}
	return graphs, nil
}

func buildStage(pipelineName string, sc StageConfig, deps BuildDeps) (pipeline.StageSpec, error) {
	spec := pipeline.StageSpec{
		ID:        sc.ID,
		Needs:     sc.Needs,
		Group:     sc.Group,
		LeaseWait: deps.DefaultLeaseWait,
	}
	if sc.LeaseWait != "" {
		d, err := time.ParseDuration(sc.LeaseWait)
		if err != nil {
			return pipeline.StageSpec{}, fmt.Errorf("pipeline %q stage %q: leaseWait: %w", pipelineName, sc.ID, err)
		}
		spec.LeaseWait = d
	}
	if sc.Gate != nil {
		gate, err := buildGate(*sc.Gate)
		if err != nil {
			return pipeline.StageSpec{}, fmt.Errorf("pipeline %q stage %q: %w", pipelineName, sc.ID, err)
		}
		spec.Gate = gate
	}
	switch {
	case sc.Canary != nil:
		if deps.CanaryAction == nil {
			return pipeline.StageSpec{}, fmt.Errorf("pipeline %q stage %q: canary stages not supported here", pipelineName, sc.ID)
		}
		act, err := deps.CanaryAction(sc, *sc.Canary)
		if err != nil {
			return pipeline.StageSpec{}, fmt.Errorf("pipeline %q stage %q: %w", pipelineName, sc.ID, err)
		}
		spec.Action = act
	case sc.Action != "":
		act, ok := deps.Actions[sc.Action]
		if !ok {
			return pipeline.StageSpec{}, fmt.Errorf("pipeline %q stage %q: unknown action %q", pipelineName, sc.ID, sc.Action)
		}
		spec.Action = act
	default:
		return pipeline.StageSpec{}, fmt.Errorf("pipeline %q stage %q: no action", pipelineName, sc.ID)
	}
	return spec, nil
}

func buildGate(gc GateConfig) (pipeline.Gate, error) {
	var gate pipeline.Gate
	if gc.Ref != "" {
		gate = append(gate, pipeline.RefEquals(gc.Ref))
	}
	if gc.RefPrefix != "" {
		gate = append(gate, pipeline.RefHasPrefix(gc.RefPrefix))
	}
	if len(gc.Events) > 0 {
		kinds := make([]models.EventKind, 0, len(gc.Events))
		for _, e := range gc.Events {
			kind, err := ParseEventKind(e)
			if err != nil {
				return nil, err
			}
			kinds = append(kinds, kind)
		}
		gate = append(gate, pipeline.EventIn(kinds...))
	}
	return gate, nil
}

// ParseEventKind maps the pipeline-file spelling of an event kind onto the
// model constant.
func ParseEventKind(s string) (models.EventKind, error) {
	switch models.EventKind(s) {
	case models.EventManualDispatch, models.EventProposedChange, models.EventDirectPush:
		return models.EventKind(s), nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}
