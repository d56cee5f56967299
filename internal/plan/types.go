// Package plan defines the data model shared by every stage of the
// execution engine: the tagged-union step representation, step results,
// working input, execution state and replan state.
package plan

import "encoding/json"

// StepTag identifies the kind of action a Step performs. Unknown tags
// parsed from plan text are preserved verbatim rather than rejected; the
// worker decides what to do with them.
type StepTag string

const (
	TagSerialCallAgent   StepTag = "SerialCallAgent"
	TagParallelCallAgent StepTag = "ParallelCallAgent"
	TagSplitQuery        StepTag = "SplitQuery"
	TagAppendHistory     StepTag = "AppendHistory"
	TagFinalOutput       StepTag = "FinalOutput"
	// TagDispatchByIntent is the legacy intent-prefix dispatch path,
	// still recognized by the worker alongside the five tags above.
	TagDispatchByIntent StepTag = "DispatchByIntent"
)

// CallConfig is the parsed shape of a CallAgent-family payload:
// {agent, query?, input?}.
type CallConfig struct {
	Agent string      `json:"agent"`
	Query string      `json:"query,omitempty"`
	Input interface{} `json:"input,omitempty"`
}

// Step is one entry in a plan. Raw holds the unparsed payload text
// between the tag's brackets; the router parses it into call-config(s)
// when it prepares a route, without storing them on the Step.
// DependsOn is derived by the reference resolver and never set by the
// parser directly.
type Step struct {
	ID        string
	Desc      string
	Tag       StepTag
	Mode      string // "serial" | "parallel"
	Group     string // batching key for parallel steps sharing a group
	Raw       string
	DependsOn map[string]struct{}
}

// StepStatus is the terminal state of a StepResult.
type StepStatus string

const (
	StatusOK      StepStatus = "ok"
	StatusFail    StepStatus = "fail"
	StatusSkipped StepStatus = "skipped"
)

// StepResult is written exactly once per executed step. Once written it
// is immutable until a replan discards the whole execution.
type StepResult struct {
	ID     string
	Tag    StepTag
	Desc   string
	Status StepStatus
	Error  string
	Output interface{}
}

// StreamRawEventsKey is the well-known sentinel key under which a
// streaming dispatch wraps its ordered list of raw frames.
const StreamRawEventsKey = "_stream_raw_events"

// Meta mirrors a StepResult but carries only scheduling/routing
// information the composer and evaluator use without re-parsing Output.
type Meta struct {
	Agent  string
	Query  string
	Status StepStatus
	// Items holds one summary per element when the step is a parallel
	// group; nil for single-route steps.
	Items []Meta
}

// resultEntry pairs a StepResult with its Meta for insertion-ordered
// storage in ExecutionState.
type resultEntry struct {
	result StepResult
	meta   Meta
}

// ExecutionState tracks progress through a single plan: the step list,
// the cursor into it, and an insertion-ordered results/result_meta pair.
// Ordering of results is significant (the evaluator reads the most
// recently inserted entry), so it is kept as a slice of keys alongside a
// map rather than relying on Go's unordered map iteration.
type ExecutionState struct {
	Cursor int
	Steps  []Step

	order   []string
	entries map[string]resultEntry
	result  interface{}
}

// NewExecutionState builds an ExecutionState for the given step list.
func NewExecutionState(steps []Step) *ExecutionState {
	return &ExecutionState{
		Steps:   steps,
		entries: make(map[string]resultEntry),
	}
}

// PutResult records the result and meta for stepID, appending it to
// insertion order. Calling PutResult twice for the same id overwrites
// the entry in place without disturbing its original position: a
// NEXT_QUERY rotation rewinds and re-executes the consuming step, and
// the latest rotation's result wins. Any other re-execution only
// happens after a fresh ExecutionState is built.
func (e *ExecutionState) PutResult(stepID string, result StepResult, meta Meta) {
	if _, exists := e.entries[stepID]; !exists {
		e.order = append(e.order, stepID)
	}
	e.entries[stepID] = resultEntry{result: result, meta: meta}
}

// Result returns the StepResult for id and whether it exists.
func (e *ExecutionState) Result(id string) (StepResult, bool) {
	entry, ok := e.entries[id]
	return entry.result, ok
}

// Meta returns the Meta for id and whether it exists. Invariant:
// Meta(id) exists iff Result(id) exists.
func (e *ExecutionState) Meta(id string) (Meta, bool) {
	entry, ok := e.entries[id]
	return entry.meta, ok
}

// LastResult returns the most recently inserted StepResult and Meta, or
// ok=false if nothing has been written yet.
func (e *ExecutionState) LastResult() (StepResult, Meta, bool) {
	if len(e.order) == 0 {
		return StepResult{}, Meta{}, false
	}
	last := e.order[len(e.order)-1]
	entry := e.entries[last]
	return entry.result, entry.meta, true
}

// ResultIDs returns step ids in insertion order.
func (e *ExecutionState) ResultIDs() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// SetResult records state.result, the value a FinalOutput step
// produces.
func (e *ExecutionState) SetResult(v interface{}) {
	e.result = v
}

// FinalResult returns whatever SetResult last recorded, or nil if no
// FinalOutput step has run.
func (e *ExecutionState) FinalResult() interface{} {
	return e.result
}

// Drained reports whether the cursor has consumed every step.
func (e *ExecutionState) Drained() bool {
	return e.Cursor >= len(e.Steps)
}

// CurrentStep returns the step at the cursor, or ok=false once drained.
func (e *ExecutionState) CurrentStep() (Step, bool) {
	if e.Drained() {
		return Step{}, false
	}
	return e.Steps[e.Cursor], true
}

// Rewind moves the cursor back to the step with the given id, so a
// NEXT_QUERY rotation can re-route the query-consuming step. Reports
// whether the id was found.
func (e *ExecutionState) Rewind(stepID string) bool {
	for i, s := range e.Steps {
		if s.ID == stepID {
			e.Cursor = i
			return true
		}
	}
	return false
}

// WorkingInput is the mutable shallow copy of the raw input that flows
// through the graph. The raw input itself is never mutated; every node
// receives WorkingInput by value and returns a patch the driver merges
// back in, per the copy-on-entry design.
type WorkingInput struct {
	Query        string
	History      []HistoryTurn
	PrevIntent   string
	Intent       string
	IsStreaming  bool
	RecursionLim int
	Extra        map[string]interface{}
}

// HistoryTurn is one exchange recorded by AppendHistory.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Clone returns a deep-enough copy of w so that mutating the result
// never affects the original (slices/maps are copied one level deep,
// matching how the working input is actually mutated by nodes: new
// history turns appended, Extra keys added/overwritten).
func (w WorkingInput) Clone() WorkingInput {
	cp := w
	if w.History != nil {
		cp.History = append([]HistoryTurn(nil), w.History...)
	}
	if w.Extra != nil {
		cp.Extra = make(map[string]interface{}, len(w.Extra))
		for k, v := range w.Extra {
			cp.Extra[k] = v
		}
	}
	return cp
}

// AsMap renders the working input as the generic mapping shape used by
// $WORKING_INPUT references and payload construction.
func (w WorkingInput) AsMap() map[string]interface{} {
	m := map[string]interface{}{
		"query":        w.Query,
		"history":      w.History,
		"prev_intent":  w.PrevIntent,
		"intent":       w.Intent,
		"is_streaming": w.IsStreaming,
	}
	for k, v := range w.Extra {
		m[k] = v
	}
	return m
}

// ReplanState tracks replan bookkeeping across the lifetime of a run.
// Seeded from raw_input.recursion_limit (default 10) on first planner
// call.
type ReplanState struct {
	Count             int
	MaxIterationLimit int
	LastFailure       string
	LastPlan          string
	LastResults       json.RawMessage
}

// EvalStatus is the evaluator's verdict, driving the state machine's
// next transition.
type EvalStatus string

const (
	EvalNone       EvalStatus = ""
	EvalDone       EvalStatus = "DONE"
	EvalFailed     EvalStatus = "FAILED"
	EvalNeedReplan EvalStatus = "NEED_REPLAN"
	EvalNextQuery  EvalStatus = "NEXT_QUERY"
	EvalNeedUser   EvalStatus = "NEED_USER"
)

// Route is a single prepared dispatch target.
type Route struct {
	Agent   string
	Payload map[string]interface{}
	Query   string
	Intent  string
}
