package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360studio/orchard/store"
)

// GuardContext carries the data a transition guard can inspect.
type GuardContext struct {
	Ticket *store.Ticket
	// TransitionContext is the per-call context bag, also consulted for
	// task_result.X lookups.
	TransitionContext map[string]any
}

// CheckGuard validates that a guard expression is well-formed without
// evaluating it. Unknown identifiers are not an error; the grammar is.
func CheckGuard(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	lhs, op, rhs := splitComparison(expr)
	if op == "" {
		return nil
	}
	if lhs == "" {
		return fmt.Errorf("guard %q: missing left operand", expr)
	}
	if rhs == "" {
		return fmt.Errorf("guard %q: missing right operand", expr)
	}
	if strings.HasPrefix(rhs, "'") || strings.HasPrefix(rhs, `"`) {
		if len(rhs) < 2 || rhs[len(rhs)-1] != rhs[0] {
			return fmt.Errorf("guard %q: unterminated string literal", expr)
		}
	}
	return nil
}

// EvaluateGuard evaluates a transition guard against the context. An empty
// guard is true; anything that fails to parse is false.
func EvaluateGuard(expr string, gc GuardContext) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	switch strings.ToLower(expr) {
	case "true", "always":
		return true
	case "false", "never":
		return false
	}

	lhs, op, rhs := splitComparison(expr)
	if op != "" {
		left := lookup(lhs, gc)
		right := coerceLiteral(rhs)
		if op == "==" {
			return equalValues(left, right)
		}
		return !equalValues(left, right)
	}

	invert := false
	key := expr
	if strings.HasPrefix(expr, "not ") {
		invert = true
		key = strings.TrimSpace(expr[4:])
	} else if strings.HasPrefix(expr, "!") {
		invert = true
		key = strings.TrimSpace(expr[1:])
	}

	resolved := truthy(lookup(key, gc))
	if invert {
		return !resolved
	}
	return resolved
}

// splitComparison splits "LHS OP RHS" on the first == or !=. A missing
// operator returns the trimmed expression with an empty operator.
func splitComparison(expr string) (lhs, op, rhs string) {
	for _, candidate := range []string{"==", "!="} {
		if idx := strings.Index(expr, candidate); idx >= 0 {
			return strings.TrimSpace(expr[:idx]), candidate, strings.TrimSpace(expr[idx+len(candidate):])
		}
	}
	return strings.TrimSpace(expr), "", ""
}

// coerceLiteral interprets the right-hand side of a comparison: quoted
// string, boolean, null, number, or the raw text.
func coerceLiteral(raw string) any {
	v := strings.TrimSpace(raw)
	if len(v) >= 2 && v[0] == v[len(v)-1] && (v[0] == '\'' || v[0] == '"') {
		return v[1 : len(v)-1]
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	case "none", "null":
		return nil
	}
	if strings.Contains(v, ".") {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	} else if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	return v
}

// lookup resolves a guard path. Prefixed paths descend into the named map;
// a bare name checks the transition context, then workflow_input, then
// ticket attributes. Missing keys resolve to nil.
func lookup(path string, gc GuardContext) any {
	token := strings.TrimSpace(path)
	switch {
	case strings.HasPrefix(token, "ticket."):
		return dig(ticketAttrs(gc.Ticket), strings.TrimPrefix(token, "ticket."))
	case strings.HasPrefix(token, "context."):
		return dig(gc.TransitionContext, strings.TrimPrefix(token, "context."))
	case strings.HasPrefix(token, "workflow_input."):
		return dig(workflowInput(gc.Ticket), strings.TrimPrefix(token, "workflow_input."))
	case strings.HasPrefix(token, "task_result."):
		return dig(gc.TransitionContext, strings.TrimPrefix(token, "task_result."))
	}

	if gc.TransitionContext != nil {
		if v, ok := gc.TransitionContext[token]; ok {
			return v
		}
	}
	if wi := workflowInput(gc.Ticket); wi != nil {
		if v, ok := wi[token]; ok {
			return v
		}
	}
	if attrs := ticketAttrs(gc.Ticket); attrs != nil {
		if v, ok := attrs[token]; ok {
			return v
		}
	}
	return nil
}

func workflowInput(t *store.Ticket) map[string]any {
	if t == nil {
		return nil
	}
	return t.WorkflowInput
}

// ticketAttrs exposes ticket fields to guard lookups by their wire names.
func ticketAttrs(t *store.Ticket) map[string]any {
	if t == nil {
		return nil
	}
	return map[string]any{
		"ticket_id":         t.TicketID,
		"title":             t.Title,
		"workflow_key":      t.WorkflowKey,
		"workflow_version":  t.WorkflowVersion,
		"workflow_input":    map[string]any(t.WorkflowInput),
		"context_data":      map[string]any(t.ContextData),
		"stage":             t.Stage,
		"status":            string(t.Status),
		"source_type":       t.SourceType,
		"paused":            t.Paused,
		"approval_required": t.ApprovalRequired,
		"approval_status":   string(t.ApprovalStatus),
		"approval_notes":    t.ApprovalNotes,
	}
}

// dig descends a dotted path through nested maps; any miss yields nil.
func dig(root any, dottedPath string) any {
	current := root
	for _, part := range strings.Split(dottedPath, ".") {
		key := strings.TrimSpace(part)
		if key == "" {
			continue
		}
		m, ok := asMap(current)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case store.Bag:
		return m, true
	default:
		return nil, false
	}
}

// equalValues compares a looked-up value against a coerced literal.
// Numeric values compare by magnitude regardless of concrete type.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// truthy mirrors loose boolean coercion: nil, false, zero, empty string,
// and empty collections are false; everything else is true.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case map[string]any:
		return len(val) > 0
	case store.Bag:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}
