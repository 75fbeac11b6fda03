package executors

import (
	"context"
	"strings"

	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/variables"
	"aerostic/backend/pkg/models"
)

const defaultConditionInput = "{{trigger.message.body}}"

// Condition operators.
const (
	OpContains   = "contains"
	OpEquals     = "equals"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
)

// Branch labels returned by condition nodes and matched against edge handles.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

func executeCondition(_ context.Context, node models.Node, run *Run) (map[string]any, error) {
	var data models.ConditionData
	if err := node.DecodeData(&data); err != nil {
		return nil, fault.Executor("condition", node.ID, err)
	}

	keyword := data.Keyword
	if keyword == "" {
		keyword = data.Value
	}

	resolvedInput := strings.ToLower(defaultInput(data.Input, run.Context))
	resolvedKeyword := strings.ToLower(variables.Resolve(keyword, run.Context))

	match, known := Evaluate(data.Operator, resolvedInput, resolvedKeyword)
	if !known {
		logger(run).Warn("Unknown condition operator", "node_id", node.ID, "operator", data.Operator)
	}

	branch := BranchFalse
	if match {
		branch = BranchTrue
	}
	return map[string]any{"match": match, "branch": branch}, nil
}

// defaultInput resolves a node's input template. An empty template reads the
// triggering message body, which is "" on runs without a message.
func defaultInput(template string, doc variables.Document) string {
	if template != "" {
		return variables.Resolve(template, doc)
	}
	resolved := variables.Resolve(defaultConditionInput, doc)
	if variables.HasTokens(resolved) {
		return ""
	}
	return resolved
}

// Evaluate applies operator to already normalized operands. known is false
// for unsupported operators, which never match.
func Evaluate(operator, input, keyword string) (match, known bool) {
	switch operator {
	case OpContains:
		return strings.Contains(input, keyword), true
	case OpEquals:
		return input == keyword, true
	case OpStartsWith:
		return strings.HasPrefix(input, keyword), true
	case OpEndsWith:
		return strings.HasSuffix(input, keyword), true
	}
	return false, false
}
