// Package engine is the C7 Execution Engine: an event-sourced interpreter
// of the normalized playbook graph supplied by the (out-of-scope) DSL
// parser. It owns the only writes to the event log, decides the runnable
// frontier on every dispatch cycle, and is the sole caller of
// eventlog.Store.Append for step/execution-level events, per spec.md §3.3.
//
// The engine never trusts an in-memory projection across dispatch cycles:
// Project (state.go) is re-run from eventlog.Store on every cycle, matching
// the "state is always recomputed from events" rule of spec.md §4.7.2. This
// mirrors the teacher's engine.Engine/WorkflowContext split
// (runtime/agent/engine/engine.go) in spirit — a small interface describing
// what a step body can do — but the deterministic-replay workflow-handler
// model (Temporal-shaped) is replaced by a plain event fold, since the spec
// requires replay to be a property of the event log itself (§8.1), not of
// an opaque durable-execution SDK (see DESIGN.md's "dropped dependencies").
package engine

import (
	"encoding/json"
	"time"
)

// Tool is the polymorphic, tagged-variant step body the engine holds only
// the declaration of; execution is delegated to the Worker Runtime (C10)
// through a small capability interface, per spec.md §9 ("Dynamic-typed step
// bodies"). Kind selects which tool executor a worker resolves at dispatch
// time; Config is opaque to the engine and passed through verbatim.
type Tool struct {
	Kind   string          `yaml:"kind" json:"kind"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// WhenCondition is a step's optional guard, re-evaluated against the
// current context on every dispatch cycle (§4.7.2). Expr is a tiny
// comparison/existence language interpreted by EvaluateWhen (context.go); the
// full expression grammar of a playbook DSL is out of scope (§1) so Expr is
// deliberately narrow.
type WhenCondition struct {
	Expr string `yaml:"when" json:"when"`
}

// RetryPolicy controls how many times, and under what backoff, a step is
// re-dispatched after failure (§4.7.4).
type RetryPolicy struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	RetryOn     []string `yaml:"retry_on" json:"retry_on"` // error Kind values; empty means "any retriable kind"
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
}

// Allows reports whether attempt (1-based, the attempt about to be made)
// is still within policy and whether kind is one this policy retries.
func (p RetryPolicy) Allows(attempt int, kind string) bool {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// LoopSpec declares a step as a C9 fan-out loop over Collection, handed to
// the loop aggregator rather than dispatched directly (§4.9).
type LoopSpec struct {
	Collection  string `yaml:"collection" json:"collection"` // template expression or inline JSON array literal
	ElementVar  string `yaml:"element_var" json:"element_var"`
	Mode        string `yaml:"mode" json:"mode"` // "sequential" | "async"
	Concurrency int     `yaml:"concurrency" json:"concurrency"`
	Body        *Step   `yaml:"body" json:"body"`
	Sink        *SinkSpec `yaml:"sink" json:"sink,omitempty"`
	// Combine names the resultstore.Strategy ("append" | "replace" |
	// "merge" | "concat") used to fold per-iteration results into the
	// loop's manifest (§4.9). ArrayPath only applies to "concat".
	Combine   string `yaml:"combine" json:"combine,omitempty"`
	ArrayPath string `yaml:"array_path" json:"array_path,omitempty"`
}

// SinkSpec attaches a post-processing storage action to a step or loop
// iteration (§4.10 item 4): just another tool invocation whose result is
// summarized, never stored in full in the event log.
type SinkSpec struct {
	Tool Tool `yaml:"tool" json:"tool"`
}

// Step is one node of the normalized playbook graph the engine consumes
// (§4.7.1). The DSL parser/validator that produces this shape is out of
// scope (§1); the engine treats Step as already-normalized input.
type Step struct {
	Name   string   `yaml:"name" json:"name"`
	Kind   string   `yaml:"kind" json:"kind"` // "task" | "playbook" | ...
	Tool   Tool     `yaml:"tool" json:"tool"`
	Inputs json.RawMessage `yaml:"inputs" json:"inputs"`
	Next   []string `yaml:"next" json:"next,omitempty"`
	When   *WhenCondition `yaml:"when" json:"when,omitempty"`
	Loop   *LoopSpec      `yaml:"loop" json:"loop,omitempty"`
	Retry  *RetryPolicy   `yaml:"retry" json:"retry,omitempty"`
	Sink   *SinkSpec      `yaml:"sink" json:"sink,omitempty"`
	Pool   string         `yaml:"pool" json:"pool"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// CatalogVersion/path fields for kind == "playbook" sub-executions.
	PlaybookPath    string `yaml:"playbook_path" json:"playbook_path,omitempty"`
	PlaybookVersion string `yaml:"playbook_version" json:"playbook_version,omitempty"`
}

// IsLoop reports whether s is owned by the loop aggregator rather than
// dispatched directly.
func (s Step) IsLoop() bool { return s.Loop != nil }

// Graph is the full normalized step list for one playbook, plus a
// process-wide end/finally step invoked on terminal cascade (§4.7.4).
type Graph struct {
	Steps   []Step `yaml:"steps" json:"steps"`
	Finally string `yaml:"finally" json:"finally,omitempty"` // name of a Step run with error context on terminal failure
	// ExecutionTimeout bounds the whole execution; zero means no bound
	// (§5 "per-execution timeout converts into a scheduled
	// execution.cancel_requested event").
	ExecutionTimeout time.Duration `yaml:"execution_timeout" json:"execution_timeout"`
}

// ByName returns the step named n, or false if the graph has none.
func (g Graph) ByName(n string) (Step, bool) {
	for _, s := range g.Steps {
		if s.Name == n {
			return s, true
		}
	}
	return Step{}, false
}

// Predecessors returns the names of every step that lists n in its Next
// edges, i.e. the set s must wait on before it can join the frontier.
func (g Graph) Predecessors(n string) []string {
	var preds []string
	for _, s := range g.Steps {
		for _, next := range s.Next {
			if next == n {
				preds = append(preds, s.Name)
			}
		}
	}
	return preds
}

// Roots returns step names with no predecessors: the initial frontier of a
// fresh execution.
func (g Graph) Roots() []string {
	hasPred := make(map[string]bool, len(g.Steps))
	for _, s := range g.Steps {
		for _, next := range s.Next {
			hasPred[next] = true
		}
	}
	var roots []string
	for _, s := range g.Steps {
		if !hasPred[s.Name] {
			roots = append(roots, s.Name)
		}
	}
	return roots
}
