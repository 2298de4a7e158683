package definition_test

import (
	"errors"
	"strings"
	"testing"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/definition"
)

func fieldPaths(t *testing.T, err error) []string {
	t.Helper()
	var verr *riparius.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	paths := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		paths = append(paths, f.Path)
	}
	return paths
}

func hasPath(paths []string, want string) bool {
	for _, p := range paths {
		if strings.HasPrefix(p, want) {
			return true
		}
	}
	return false
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	if err := definition.Validate(reviewDef(1)); err != nil {
		t.Fatalf("expected valid definition, got %v", err)
	}
}

func TestValidateStructural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*definition.Workflow)
		path   string
	}{
		{"missing key", func(w *definition.Workflow) { w.Key = "" }, "key"},
		{"bad key case", func(w *definition.Workflow) { w.Key = "Document_Review" }, "key"},
		{"zero revision", func(w *definition.Workflow) { w.Revision = 0 }, "revision"},
		{"no stages", func(w *definition.Workflow) { w.Stages = nil }, "stages"},
		{"no nodes", func(w *definition.Workflow) { w.Nodes = nil }, "nodes"},
		{"duplicate stage", func(w *definition.Workflow) {
			w.Stages = append(w.Stages, definition.Stage{Key: "authoring", Order: 3})
		}, "stages[2].key"},
		{"duplicate node", func(w *definition.Workflow) {
			w.Nodes = append(w.Nodes, definition.Node{
				Key: "draft", Kind: definition.KindStep, Stage: "authoring", Handler: "x",
			})
		}, "nodes[3].key"},
		{"unknown stage ref", func(w *definition.Workflow) { w.Nodes[0].Stage = "ghost" }, "nodes[0].stage"},
		{"unknown edge", func(w *definition.Workflow) { w.Nodes[0].Next = []string{"ghost"} }, "nodes[0].next"},
		{"step without handler", func(w *definition.Workflow) { w.Nodes[0].Handler = "" }, "nodes[0].handler"},
		{"wait without event", func(w *definition.Workflow) { w.Nodes[1].Event = "" }, "nodes[1].event"},
		{"undeclared node role", func(w *definition.Workflow) { w.Nodes[0].Roles = []string{"ghost"} }, "nodes[0].roles"},
		{"undeclared policy role", func(w *definition.Workflow) {
			w.Policy["cancel-workflow"] = []string{"ghost"}
		}, "policy.cancel-workflow"},
		{"bad retry policy", func(w *definition.Workflow) {
			w.Nodes[0].Retry = &definition.RetryPolicy{MaxAttempts: 3, Policy: "sometimes"}
		}, "nodes[0].retry.policy"},
		{"no start node", func(w *definition.Workflow) { w.Nodes[0].Start = false }, "nodes"},
		{"trigger bad action", func(w *definition.Workflow) {
			w.Triggers = append(w.Triggers, definition.Trigger{Name: "t", Action: "explode"})
		}, "triggers[1].action"},
		{"activate-node without node", func(w *definition.Workflow) {
			w.Triggers = append(w.Triggers, definition.Trigger{Name: "t", Action: definition.TriggerActivateNode})
		}, "triggers[1].node"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := reviewDef(1)
			tt.mutate(w)
			err := definition.Validate(w)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			paths := fieldPaths(t, err)
			if !hasPath(paths, tt.path) {
				t.Errorf("expected a field error at %q, got %v", tt.path, paths)
			}
		})
	}
}

func TestValidateGateway(t *testing.T) {
	w := reviewDef(1)
	w.Nodes = append(w.Nodes, definition.Node{
		Key: "route", Kind: definition.KindGateway, Stage: "approval",
		Branches: []definition.Branch{
			{When: definition.Condition{Key: "decision", Equals: "approved"}, To: []string{"publish"}},
		},
		Else: []string{"draft"},
	})
	w.Nodes[1].Next = []string{"route"}
	if err := definition.Validate(w); err != nil {
		t.Fatalf("expected valid gateway, got %v", err)
	}

	w.Nodes[3].Branches = nil
	err := definition.Validate(w)
	if err == nil {
		t.Fatal("expected error for gateway without branches")
	}
	if !hasPath(fieldPaths(t, err), "nodes[3].branches") {
		t.Errorf("expected branches error, got %v", err)
	}
}

func TestValidateUnreachable(t *testing.T) {
	w := reviewDef(1)
	w.Nodes = append(w.Nodes, definition.Node{
		Key: "island", Kind: definition.KindStep, Stage: "approval", Handler: "x",
	})
	err := definition.Validate(w)
	if err == nil {
		t.Fatal("expected unreachable-node error")
	}
	if !hasPath(fieldPaths(t, err), "nodes") {
		t.Errorf("expected nodes error, got %v", err)
	}

	// A trigger activation target is a legitimate root.
	w.Triggers = append(w.Triggers, definition.Trigger{
		Name: "island.requested", Action: definition.TriggerActivateNode, Node: "island",
	})
	if err := definition.Validate(w); err != nil {
		t.Fatalf("trigger-rooted node should be reachable, got %v", err)
	}
}

func TestConditionMatches(t *testing.T) {
	c := definition.Condition{Key: "decision", Equals: "approved"}
	if !c.Matches(map[string]any{"decision": "approved"}) {
		t.Error("expected match")
	}
	if c.Matches(map[string]any{"decision": "rejected"}) {
		t.Error("unexpected match")
	}
	if c.Matches(map[string]any{}) {
		t.Error("absent key must not match")
	}
	// Non-string values compare by their printed form.
	n := definition.Condition{Key: "count", Equals: "3"}
	if !n.Matches(map[string]any{"count": 3}) {
		t.Error("expected numeric match via printed form")
	}
}

func TestPolicyAllows(t *testing.T) {
	p := definition.Policy{"inject-event": {"reviewer", "admin"}}
	if !p.Allows("inject-event", []string{"reviewer"}) {
		t.Error("expected reviewer allowed")
	}
	if p.Allows("inject-event", []string{"author"}) {
		t.Error("author must not be allowed")
	}
	if p.Allows("cancel-workflow", []string{"admin"}) {
		t.Error("unlisted command must be denied")
	}
	var open definition.Policy
	if !open.Allows("cancel-workflow", nil) {
		t.Error("empty policy must leave commands open")
	}
}
