package core

import (
	"fmt"
	"sort"
	"strings"
)

type Outcome string

const (
	OutcomeConverged          Outcome = "converged"
	OutcomePartial            Outcome = "partial"
	OutcomeTeardownIncomplete Outcome = "teardown-incomplete"
)

// Message is the user-facing wording for the outcome.
func (o Outcome) Message() string {
	switch o {
	case OutcomePartial:
		return "partially converged - rerun"
	case OutcomeTeardownIncomplete:
		return "teardown incomplete - rerun"
	default:
		return "fully converged"
	}
}

// Summary is the per-node result of one convergence call.
type Summary struct {
	Outcome   Outcome
	Created   []string
	Existing  []string
	Destroyed []string
	Failed    map[string]error
	Unknown   []string
}

// FailedNames returns the failed node names, sorted.
func (s Summary) FailedNames() []string {
	out := make([]string, 0, len(s.Failed))
	for n := range s.Failed {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s Summary) String() string {
	var b strings.Builder
	b.WriteString(s.Outcome.Message())
	add := func(label string, names []string) {
		if len(names) > 0 {
			fmt.Fprintf(&b, "; %s: %s", label, strings.Join(names, ", "))
		}
	}
	add("created", s.Created)
	add("existing", s.Existing)
	add("destroyed", s.Destroyed)
	add("failed", s.FailedNames())
	add("unknown", s.Unknown)
	return b.String()
}
