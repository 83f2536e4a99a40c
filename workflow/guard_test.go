package workflow

import (
	"testing"

	"github.com/c360studio/orchard/store"
)

func guardTicket() *store.Ticket {
	return &store.Ticket{
		TicketID:    "tkt-abc123",
		WorkflowKey: "default_ticket",
		Stage:       "triage",
		Status:      store.TicketActive,
		WorkflowInput: store.Bag{
			"region":   "eu",
			"priority": 3,
			"flags":    map[string]any{"beta": true},
		},
		ContextData: store.Bag{"owner": "ops"},
	}
}

func TestEvaluateGuard_Constants(t *testing.T) {
	gc := GuardContext{Ticket: guardTicket()}
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"true", true},
		{"always", true},
		{"TRUE", true},
		{"false", false},
		{"never", false},
	}
	for _, tt := range tests {
		if got := EvaluateGuard(tt.expr, gc); got != tt.want {
			t.Errorf("EvaluateGuard(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateGuard_Comparisons(t *testing.T) {
	gc := GuardContext{
		Ticket:            guardTicket(),
		TransitionContext: map[string]any{"approved": true, "score": 0.8},
	}
	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"workflow_input string equality", "workflow_input.region == 'eu'", true},
		{"workflow_input string inequality", "workflow_input.region != 'us'", true},
		{"double-quoted literal", `workflow_input.region == "eu"`, true},
		{"numeric comparison coerces int", "workflow_input.priority == 3", true},
		{"numeric comparison float literal", "workflow_input.priority == 3.0", true},
		{"ticket attribute", "ticket.stage == 'triage'", true},
		{"ticket status", "ticket.status != 'paused'", true},
		{"context lookup", "context.score == 0.8", true},
		{"task_result alias of context", "task_result.approved == true", true},
		{"nested path", "workflow_input.flags.beta == true", true},
		{"missing key equals null", "workflow_input.missing == none", true},
		{"missing key equals null literal", "context.nope == null", true},
		{"missing key not equal value", "workflow_input.missing == 'x'", false},
		{"boolean literal false", "context.approved == false", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateGuard(tt.expr, gc); got != tt.want {
				t.Errorf("EvaluateGuard(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateGuard_BareIdentifiers(t *testing.T) {
	gc := GuardContext{
		Ticket:            guardTicket(),
		TransitionContext: map[string]any{"done": true, "empty": ""},
	}
	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"context identifier", "done", true},
		{"negated with not", "not done", false},
		{"negated with bang", "!done", false},
		{"empty string is falsy", "empty", false},
		{"negated empty string", "not empty", true},
		{"workflow_input fallback", "region", true},
		{"ticket attribute fallback", "paused", false},
		{"unknown identifier resolves null", "no_such_key", false},
		{"negated unknown identifier", "not no_such_key", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateGuard(tt.expr, gc); got != tt.want {
				t.Errorf("EvaluateGuard(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

// Transition context wins over workflow_input, which wins over ticket
// attributes, for bare identifier lookups.
func TestEvaluateGuard_LookupPrecedence(t *testing.T) {
	tk := guardTicket()
	tk.WorkflowInput["stage"] = "from-input"
	gc := GuardContext{
		Ticket:            tk,
		TransitionContext: map[string]any{"stage": "from-context"},
	}

	if !EvaluateGuard("stage == 'from-context'", gc) {
		t.Error("transition context should win bare lookup")
	}
	gc.TransitionContext = nil
	if !EvaluateGuard("stage == 'from-input'", gc) {
		t.Error("workflow_input should win over ticket attribute")
	}
	delete(tk.WorkflowInput, "stage")
	if !EvaluateGuard("stage == 'triage'", gc) {
		t.Error("ticket attribute should be the final fallback")
	}
}

func TestCheckGuard(t *testing.T) {
	valid := []string{
		"",
		"true",
		"not done",
		"workflow_input.region == 'eu'",
		"ticket.stage != \"review\"",
		"count == 3",
	}
	for _, expr := range valid {
		if err := CheckGuard(expr); err != nil {
			t.Errorf("CheckGuard(%q) = %v, want nil", expr, err)
		}
	}

	invalid := []string{
		"== 'eu'",
		"workflow_input.region ==",
		"workflow_input.region == 'eu",
	}
	for _, expr := range invalid {
		if err := CheckGuard(expr); err == nil {
			t.Errorf("CheckGuard(%q) = nil, want error", expr)
		}
	}
}
