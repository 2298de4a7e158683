package definition

import (
	"fmt"
	"regexp"

	riparius "github.com/fluvius-io/fluvius-interim"
)

var kebabCase = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Validate checks a definition structurally and referentially. It returns
// a *riparius.ValidationError listing every problem, or nil.
func Validate(w *Workflow) error {
	var errs []riparius.FieldError

	add := func(path, code, msg string) {
		errs = append(errs, riparius.FieldError{Path: path, Code: code, Message: msg})
	}

	if w.Key == "" {
		add("key", "REQUIRED", "definition key is required")
	} else if !kebabCase.MatchString(w.Key) {
		add("key", "FORMAT", "definition key must be kebab-case")
	}
	if w.Revision < 1 {
		add("revision", "RANGE", "revision must be >= 1")
	}
	if len(w.Stages) == 0 {
		add("stages", "REQUIRED", "at least one stage is required")
	}
	if len(w.Nodes) == 0 {
		add("nodes", "REQUIRED", "at least one node is required")
	}

	stageKeys := make(map[string]bool, len(w.Stages))
	for i, s := range w.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if s.Key == "" {
			add(path+".key", "REQUIRED", "stage key is required")
			continue
		}
		if stageKeys[s.Key] {
			add(path+".key", "DUPLICATE", fmt.Sprintf("duplicate stage key %q", s.Key))
		}
		stageKeys[s.Key] = true
	}

	roleSet := make(map[string]bool, len(w.Roles))
	for _, r := range w.Roles {
		roleSet[r] = true
	}

	nodeKeys := make(map[string]bool, len(w.Nodes))
	for i, n := range w.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.Key == "" {
			add(path+".key", "REQUIRED", "node key is required")
			continue
		}
		if nodeKeys[n.Key] {
			add(path+".key", "DUPLICATE", fmt.Sprintf("duplicate node key %q", n.Key))
		}
		nodeKeys[n.Key] = true
	}

	edgeOK := func(path string, targets []string) {
		for _, to := range targets {
			if !nodeKeys[to] {
				add(path, "UNKNOWN_NODE", fmt.Sprintf("edge references unknown node %q", to))
			}
		}
	}

	hasStart := false
	for i, n := range w.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.Start {
			hasStart = true
		}
		if n.Stage == "" {
			add(path+".stage", "REQUIRED", "node stage is required")
		} else if !stageKeys[n.Stage] {
			add(path+".stage", "UNKNOWN_STAGE", fmt.Sprintf("unknown stage %q", n.Stage))
		}
		for _, r := range n.Roles {
			if !roleSet[r] {
				add(path+".roles", "UNKNOWN_ROLE", fmt.Sprintf("undeclared role %q", r))
			}
		}
		edgeOK(path+".next", n.Next)

		switch n.Kind {
		case KindStep:
			if n.Handler == "" {
				add(path+".handler", "REQUIRED", "step node requires a handler")
			}
			if n.Retry != nil {
				if n.Retry.MaxAttempts < 1 {
					add(path+".retry.max_attempts", "RANGE", "max_attempts must be >= 1")
				}
				if n.Retry.Policy != RetryFixed && n.Retry.Policy != RetryBackoff {
					add(path+".retry.policy", "ENUM", fmt.Sprintf("unknown retry policy %q", n.Retry.Policy))
				}
			}
			edgeOK(path+".on_failure", n.OnFailure)
			if len(n.Branches) > 0 || len(n.Else) > 0 {
				add(path+".branches", "KIND", "step node cannot declare gateway branches")
			}
			if n.Event != "" {
				add(path+".event", "KIND", "step node cannot declare a wait event")
			}
		case KindGateway:
			if len(n.Branches) == 0 {
				add(path+".branches", "REQUIRED", "gateway node requires at least one branch")
			}
			for j, b := range n.Branches {
				bpath := fmt.Sprintf("%s.branches[%d]", path, j)
				if b.When.Key == "" {
					add(bpath+".when.key", "REQUIRED", "branch condition key is required")
				}
				if len(b.To) == 0 {
					add(bpath+".to", "REQUIRED", "branch requires at least one target")
				}
				edgeOK(bpath+".to", b.To)
			}
			edgeOK(path+".else", n.Else)
			if n.Handler != "" {
				add(path+".handler", "KIND", "gateway node cannot declare a handler")
			}
			if n.Event != "" {
				add(path+".event", "KIND", "gateway node cannot declare a wait event")
			}
		case KindWait:
			if n.Event == "" {
				add(path+".event", "REQUIRED", "wait node requires an event name")
			}
			if n.Handler != "" {
				add(path+".handler", "KIND", "wait node cannot declare a handler")
			}
			if len(n.Branches) > 0 {
				add(path+".branches", "KIND", "wait node cannot declare gateway branches")
			}
		default:
			add(path+".kind", "ENUM", fmt.Sprintf("unknown node kind %q", n.Kind))
		}
	}

	if len(w.Nodes) > 0 && !hasStart {
		add("nodes", "NO_START", "at least one node must be marked start")
	}

	// Reachability from start nodes. Only meaningful once keys resolve.
	if hasStart && len(errs) == 0 {
		for _, key := range unreachableNodes(w) {
			add("nodes", "UNREACHABLE", fmt.Sprintf("node %q is unreachable from any start node", key))
		}
	}

	for i, t := range w.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if t.Name == "" {
			add(path+".name", "REQUIRED", "trigger name is required")
		}
		switch t.Action {
		case TriggerStartWorkflow:
		case TriggerActivateNode:
			if t.Node == "" {
				add(path+".node", "REQUIRED", "activate-node trigger requires a node")
			} else if !nodeKeys[t.Node] {
				add(path+".node", "UNKNOWN_NODE", fmt.Sprintf("unknown node %q", t.Node))
			}
		default:
			add(path+".action", "ENUM", fmt.Sprintf("unknown trigger action %q", t.Action))
		}
	}

	for cmd, roles := range w.Policy {
		if len(roles) == 0 {
			add("policy."+cmd, "REQUIRED", "policy entry requires at least one role")
		}
		for _, r := range roles {
			if !roleSet[r] {
				add("policy."+cmd, "UNKNOWN_ROLE", fmt.Sprintf("undeclared role %q", r))
			}
		}
	}

	return riparius.NewValidationError(errs...)
}

// unreachableNodes returns node keys not reachable from any start node by
// following next, on_failure, branch, and else edges.
func unreachableNodes(w *Workflow) []string {
	seen := make(map[string]bool, len(w.Nodes))
	var walk func(key string)
	walk = func(key string) {
		if seen[key] {
			return
		}
		seen[key] = true
		n := w.Node(key)
		if n == nil {
			return
		}
		for _, to := range n.Next {
			walk(to)
		}
		for _, to := range n.OnFailure {
			walk(to)
		}
		for _, b := range n.Branches {
			for _, to := range b.To {
				walk(to)
			}
		}
		for _, to := range n.Else {
			walk(to)
		}
	}
	for i := range w.Nodes {
		if w.Nodes[i].Start {
			walk(w.Nodes[i].Key)
		}
	}
	// Trigger activation targets count as roots too: a node only
	// reachable via a trigger binding is deliberate, not dead.
	for _, t := range w.Triggers {
		if t.Action == TriggerActivateNode && t.Node != "" {
			walk(t.Node)
		}
	}

	var missing []string
	for i := range w.Nodes {
		if !seen[w.Nodes[i].Key] {
			missing = append(missing, w.Nodes[i].Key)
		}
	}
	return missing
}
