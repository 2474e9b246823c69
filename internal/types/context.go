package types

import "encoding/json"

// ResultMarker is the JSON field whose truthy value identifies a structured
// task result on the child's stdout. Operator-visible contract.
const ResultMarker = "__task_result__"

// StackContext is the accumulated state that flows through a stack's
// execution. All collections grow monotonically for the stack's lifetime;
// tasks read the context they were given and contribute deltas through
// their results.
type StackContext struct {
	Variables map[string]any `json:"variables"`
	Outputs   []any          `json:"outputs"`
	Decisions []string       `json:"decisions"`
	Errors    []string       `json:"errors"`
	Metadata  map[string]any `json:"metadata"`
}

// NewStackContext returns an empty context with all collections allocated.
func NewStackContext() StackContext {
	return StackContext{
		Variables: map[string]any{},
		Outputs:   []any{},
		Decisions: []string{},
		Errors:    []string{},
		Metadata:  map[string]any{},
	}
}

// Bind folds a task result into the context and returns the successor
// context. The receiver is not mutated: variables and metadata are
// shallow-merged with the result overwriting prior keys, the output is
// appended, decisions and errors are extended by concatenation.
func (c StackContext) Bind(result TaskResult) StackContext {
	next := StackContext{
		Variables: make(map[string]any, len(c.Variables)+len(result.Variables)),
		Outputs:   make([]any, 0, len(c.Outputs)+1),
		Decisions: make([]string, 0, len(c.Decisions)+len(result.Decisions)),
		Errors:    make([]string, 0, len(c.Errors)+len(result.Errors)),
		Metadata:  make(map[string]any, len(c.Metadata)+len(result.Metadata)),
	}
	for k, v := range c.Variables {
		next.Variables[k] = v
	}
	for k, v := range result.Variables {
		next.Variables[k] = v
	}
	next.Outputs = append(next.Outputs, c.Outputs...)
	next.Outputs = append(next.Outputs, result.Output)
	next.Decisions = append(next.Decisions, c.Decisions...)
	next.Decisions = append(next.Decisions, result.Decisions...)
	next.Errors = append(next.Errors, c.Errors...)
	next.Errors = append(next.Errors, result.Errors...)
	for k, v := range c.Metadata {
		next.Metadata[k] = v
	}
	for k, v := range result.Metadata {
		next.Metadata[k] = v
	}
	return next
}

// LastOutput returns the most recent output, or nil when none exist.
func (c StackContext) LastOutput() any {
	if len(c.Outputs) == 0 {
		return nil
	}
	return c.Outputs[len(c.Outputs)-1]
}

// EncodeContext marshals a context, never failing: a context is built from
// JSON-decoded values only.
func EncodeContext(c StackContext) string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeContext unmarshals a context JSON string, returning an empty context
// on empty or malformed input. Nil collections are normalized so Bind and
// JSON round-trips behave uniformly.
func DecodeContext(raw string) StackContext {
	c := NewStackContext()
	if raw == "" {
		return c
	}
	var decoded StackContext
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return c
	}
	if decoded.Variables != nil {
		c.Variables = decoded.Variables
	}
	if decoded.Outputs != nil {
		c.Outputs = decoded.Outputs
	}
	if decoded.Decisions != nil {
		c.Decisions = decoded.Decisions
	}
	if decoded.Errors != nil {
		c.Errors = decoded.Errors
	}
	if decoded.Metadata != nil {
		c.Metadata = decoded.Metadata
	}
	return c
}

// PushedChild is a child task specification contributed by a running task.
type PushedChild struct {
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// TaskResult is the structured result a task reports on stdout. Missing
// fields default to empty/false.
type TaskResult struct {
	Output         any            `json:"output,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	Decisions      []string       `json:"decisions,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	PushedChildren []PushedChild  `json:"pushed_children,omitempty"`
	Abort          bool           `json:"abort,omitempty"`
}
