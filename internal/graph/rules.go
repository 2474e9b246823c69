package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/BHPAV/Runner/internal/types"
)

// PutRule inserts or replaces a cascade rule node.
func (s *Store) PutRule(ctx context.Context, rule *types.CascadeRule) error {
	if rule.RuleID == "" {
		rule.RuleID = uuid.NewString()
	}
	if rule.TaskID == "" {
		return fmt.Errorf("rule %s: task_id is required", rule.RuleID)
	}
	priority := rule.Priority
	if priority == 0 {
		priority = types.DefaultPriority
	}
	if priority < types.MinPriority || priority > types.MaxPriority {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	template := rule.ParameterTemplate
	if template == "" {
		template = "{}"
	}
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cascade_rules (rule_id, description, source_kind, task_id, parameter_template, priority, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			description = excluded.description,
			source_kind = excluded.source_kind,
			task_id = excluded.task_id,
			parameter_template = excluded.parameter_template,
			priority = excluded.priority,
			enabled = excluded.enabled
	`, rule.RuleID, rule.Description, rule.SourceKind, rule.TaskID, template, priority, enabled, nowString())
	if err != nil {
		return fmt.Errorf("failed to put rule %s: %w", rule.RuleID, err)
	}
	return nil
}

// GetRule returns a cascade rule by id.
func (s *Store) GetRule(ctx context.Context, ruleID string) (*types.CascadeRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT rule_id, description, source_kind, task_id, parameter_template, priority, enabled, created_at
		FROM cascade_rules WHERE rule_id = ?
	`, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", ruleID, err)
	}
	return rule, nil
}

// ListRules returns cascade rules, optionally only the enabled ones.
func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]*types.CascadeRule, error) {
	query := `
		SELECT rule_id, description, source_kind, task_id, parameter_template, priority, enabled, created_at
		FROM cascade_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY rule_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*types.CascadeRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// SetRuleEnabled flips a rule's enabled bit.
func (s *Store) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cascade_rules SET enabled = ? WHERE rule_id = ?
	`, v, ruleID)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return nil
}

// DeleteRule removes a rule node. Requests it already triggered are kept.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cascade_rules WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return nil
}

// TriggeredRequests lists the requests a rule has materialized, via their
// triggered_by edges.
func (s *Store) TriggeredRequests(ctx context.Context, ruleID string) ([]*types.TaskRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM task_requests
		WHERE request_id IN (
			SELECT from_id FROM request_edges WHERE to_id = ? AND kind = 'triggered_by'
		)
		ORDER BY created_at ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggered requests: %w", err)
	}
	defer rows.Close()

	var out []*types.TaskRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// LinkTriggeredBy records that a request was materialized by a rule.
func (s *Store) LinkTriggeredBy(ctx context.Context, requestID, ruleID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return addEdgeTx(ctx, tx, requestID, ruleID, EdgeTriggeredBy)
	})
}

// CommitSource records a committed source artifact node and returns it for
// cascade evaluation.
func (s *Store) CommitSource(ctx context.Context, sourceID, kind string, fields map[string]string) (*types.Source, error) {
	if kind == "" {
		return nil, fmt.Errorf("source kind is required")
	}
	if sourceID == "" {
		sourceID = uuid.NewString()
	}
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode source fields: %w", err)
	}
	now := nowString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sources (source_id, kind, fields, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO NOTHING
	`, sourceID, kind, string(fieldsJSON), now)
	if err != nil {
		return nil, fmt.Errorf("failed to commit source: %w", err)
	}
	return s.GetSource(ctx, sourceID)
}

// GetSource returns a committed source by id.
func (s *Store) GetSource(ctx context.Context, sourceID string) (*types.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, kind, fields, created_at FROM sources WHERE source_id = ?
	`, sourceID)
	var src types.Source
	var fieldsJSON, created string
	err := row.Scan(&src.SourceID, &src.Kind, &fieldsJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s not found", sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source %s: %w", sourceID, err)
	}
	src.Fields = map[string]string{}
	if err := json.Unmarshal([]byte(fieldsJSON), &src.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode source fields: %w", err)
	}
	src.CreatedAt = mustParseTime(created)
	return &src, nil
}

func scanRule(r rowScanner) (*types.CascadeRule, error) {
	var rule types.CascadeRule
	var enabled int
	var created string
	err := r.Scan(&rule.RuleID, &rule.Description, &rule.SourceKind, &rule.TaskID,
		&rule.ParameterTemplate, &rule.Priority, &enabled, &created)
	if err != nil {
		return nil, err
	}
	rule.Enabled = enabled != 0
	rule.CreatedAt = mustParseTime(created)
	return &rule, nil
}
