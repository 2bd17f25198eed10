package pipeline

import (
	"fmt"
	"time"
)

// GraphError reports a malformed stage graph. It is only ever produced at
// construction time; a graph that builds successfully cannot fail structurally
// at runtime.
type GraphError struct {
	Reason string
}

func (e *GraphError) Error() string {
	return "pipeline graph: " + e.Reason
}

// StageSpec declares one stage of a pipeline.
type StageSpec struct {
	ID     string
	Needs  []string
	Gate   Gate
	Action Action

	// Group names a concurrency group the stage must hold a lease for while
	// executing. Empty means unguarded.
	Group string

	// LeaseWait bounds how long the stage may block on lease acquisition.
	// Zero means wait indefinitely.
	LeaseWait time.Duration
}

// Graph is a validated DAG of stages. Stages live in an arena slice and all
// edges are integer indices into it.
type Graph struct {
	stages   []StageSpec
	index    map[string]int
	parents  [][]int
	children [][]int
}

// NewGraph validates the stage set and builds the adjacency structure.
// Duplicate IDs, dangling dependency references, self-dependencies, and
// cycles are construction errors.
func NewGraph(stages []StageSpec) (*Graph, error) {
	if len(stages) == 0 {
		return nil, &GraphError{Reason: "no stages"}
	}
	g := &Graph{
		stages:   make([]StageSpec, len(stages)),
		index:    make(map[string]int, len(stages)),
		parents:  make([][]int, len(stages)),
		children: make([][]int, len(stages)),
	}
	copy(g.stages, stages)
	for i, s := range g.stages {
		if s.ID == "" {
			return nil, &GraphError{Reason: fmt.Sprintf("stage %d has empty id", i)}
		}
		if s.Action == nil {
			return nil, &GraphError{Reason: fmt.Sprintf("stage %q has no action", s.ID)}
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, &GraphError{Reason: fmt.Sprintf("duplicate stage id %q", s.ID)}
		}
		g.index[s.ID] = i
	}
	for i, s := range g.stages {
		for _, need := range s.Needs {
			j, ok := g.index[need]
			if !ok {
				return nil, &GraphError{Reason: fmt.Sprintf("stage %q needs unknown stage %q", s.ID, need)}
			}
			if j == i {
				return nil, &GraphError{Reason: fmt.Sprintf("stage %q depends on itself", s.ID)}
			}
			g.parents[i] = append(g.parents[i], j)
			g.children[j] = append(g.children[j], i)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm; any stage left unvisited sits on a cycle.
func (g *Graph) checkAcyclic() error {
	indegree := make([]int, len(g.stages))
	for i := range g.stages {
		indegree[i] = len(g.parents[i])
	}
	queue := make([]int, 0, len(g.stages))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, c := range g.children[n] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if visited != len(g.stages) {
		var cyclic []string
		for i, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, g.stages[i].ID)
			}
		}
		return &GraphError{Reason: fmt.Sprintf("dependency cycle involving %v", cyclic)}
	}
	return nil
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }

// StageIDs returns all stage IDs in declaration order.
func (g *Graph) StageIDs() []string {
	ids := make([]string, len(g.stages))
	for i, s := range g.stages {
		ids[i] = s.ID
	}
	return ids
}

func (g *Graph) stage(i int) StageSpec { return g.stages[i] }
