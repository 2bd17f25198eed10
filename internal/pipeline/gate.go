package pipeline

import (
	"fmt"
	"log"

	"github.com/relaydeploy/relay/internal/models"
)

// Predicate is one eligibility condition over trigger metadata. An error
// means the predicate could not be evaluated (missing trigger field); gates
// treat that as not eligible rather than guessing.
type Predicate func(t models.Trigger) (bool, error)

// RefEquals matches the trigger ref exactly.
func RefEquals(ref string) Predicate {
	return func(t models.Trigger) (bool, error) {
		if t.Ref == "" {
			return false, fmt.Errorf("trigger has no ref")
		}
		return t.Ref == ref, nil
	}
}

// RefHasPrefix matches refs under a prefix, e.g. "release/".
func RefHasPrefix(prefix string) Predicate {
	return func(t models.Trigger) (bool, error) {
		if t.Ref == "" {
			return false, fmt.Errorf("trigger has no ref")
		}
		return len(t.Ref) >= len(prefix) && t.Ref[:len(prefix)] == prefix, nil
	}
}

// EventIs matches the trigger's event kind.
func EventIs(kind models.EventKind) Predicate {
	return func(t models.Trigger) (bool, error) {
		if t.EventKind == "" {
			return false, fmt.Errorf("trigger has no event kind")
		}
		return t.EventKind == kind, nil
	}
}

// EventIn matches any of the given event kinds.
func EventIn(kinds ...models.EventKind) Predicate {
	return func(t models.Trigger) (bool, error) {
		if t.EventKind == "" {
			return false, fmt.Errorf("trigger has no event kind")
		}
		for _, k := range kinds {
			if t.EventKind == k {
				return true, nil
			}
		}
		return false, nil
	}
}

// Gate is a conjunction of predicates. An empty gate is always eligible.
type Gate []Predicate

// Eligible evaluates all predicates against the trigger. Evaluation errors
// fail closed: the stage is treated as not eligible and a warning is logged.
func (g Gate) Eligible(t models.Trigger, logger *log.Logger) bool {
	for _, pred := range g {
		ok, err := pred(t)
		if err != nil {
			if logger != nil {
				logger.Printf("gate predicate unevaluable, failing closed: %v", err)
			}
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}
