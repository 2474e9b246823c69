// Package cascade materializes new requests from committed sources and
// unblocks dependents when requests finish.
package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/BHPAV/Runner/internal/graph"
	"github.com/BHPAV/Runner/internal/types"
)

// placeholderRe matches $source.<field> occurrences in parameter templates.
var placeholderRe = regexp.MustCompile(`\$source\.([A-Za-z0-9_]+)`)

// Evaluator applies cascade and dependency rules against the graph store.
type Evaluator struct {
	graph  *graph.Store
	logger *log.Logger
}

// New creates an evaluator.
func New(g *graph.Store, logger *log.Logger) *Evaluator {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Evaluator{graph: g, logger: logger}
}

// ResolveBlocked promotes blocked dependents of a completed request whose
// dependencies are now all done. Idempotent under replay: promoting an
// already-pending request changes nothing.
func (e *Evaluator) ResolveBlocked(ctx context.Context, doneRequestID string) ([]string, error) {
	promoted, err := e.graph.UnblockDependents(ctx, doneRequestID)
	if err != nil {
		return nil, err
	}
	for _, id := range promoted {
		e.logger.Printf("cascade: unblocked %s after %s", id, doneRequestID)
	}
	return promoted, nil
}

// EvaluateSource runs every enabled rule whose source_kind is empty or
// matches the source's kind, materializing one request per match. Rule
// failures are logged and skipped; they never affect the source or the
// other rules.
func (e *Evaluator) EvaluateSource(ctx context.Context, src *types.Source) ([]*types.TaskRequest, error) {
	rules, err := e.graph.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}

	var created []*types.TaskRequest
	for _, rule := range rules {
		if rule.SourceKind != "" && rule.SourceKind != src.Kind {
			continue
		}
		params, err := RenderTemplate(rule.ParameterTemplate, src)
		if err != nil {
			e.logger.Printf("cascade: rule %s template: %v", rule.RuleID, err)
			continue
		}
		req, _, err := e.graph.Submit(ctx, graph.Submission{
			TaskID:     rule.TaskID,
			Parameters: params,
			Priority:   rule.Priority,
			Requester:  "cascade:" + rule.RuleID,
		})
		if err != nil {
			e.logger.Printf("cascade: rule %s submit: %v", rule.RuleID, err)
			continue
		}
		if err := e.graph.LinkTriggeredBy(ctx, req.RequestID, rule.RuleID); err != nil {
			e.logger.Printf("cascade: rule %s edge: %v", rule.RuleID, err)
		}
		e.logger.Printf("cascade: rule %s triggered %s for source %s", rule.RuleID, req.RequestID, src.SourceID)
		created = append(created, req)
	}
	return created, nil
}

// RenderTemplate substitutes $source.<field> placeholders in a JSON
// parameter template and parses the result. Substitution happens at the
// string level with JSON escaping of the substituted values, so fields
// containing quotes or backslashes cannot break the template. Unknown
// fields substitute as empty strings.
func RenderTemplate(template string, src *types.Source) (map[string]any, error) {
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		field := strings.TrimPrefix(match, "$source.")
		value, _ := src.Field(field)
		return jsonEscape(value)
	})

	var params map[string]any
	if err := json.Unmarshal([]byte(rendered), &params); err != nil {
		return nil, fmt.Errorf("template does not render to a JSON object: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

// jsonEscape returns the JSON string encoding of s without the surrounding
// quotes, suitable for splicing into a quoted template position.
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b[1 : len(b)-1])
}
