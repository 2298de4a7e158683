// Package definition models declarative workflow definitions: an explicit
// directed graph of step, gateway, and wait nodes grouped into ordered
// stages, plus roles, trigger bindings, and the role→command policy.
//
// Definitions are immutable once registered. The Registry keeps them in an
// atomically swapped snapshot so lookups on the hot path are lock-free.
package definition

import "fmt"

// NodeKind tags the graph node variants.
type NodeKind string

const (
	// KindStep is an executable node bound to a registered handler.
	KindStep NodeKind = "step"
	// KindGateway is a pure routing node; it evaluates branch conditions
	// against the workflow memo and completes synchronously.
	KindGateway NodeKind = "gateway"
	// KindWait parks until a named event arrives.
	KindWait NodeKind = "wait"
)

// Retry policy kinds, matching the step retry semantics of the engine.
const (
	// RetryFixed waits a constant delay between attempts.
	RetryFixed = "fixed"
	// RetryBackoff doubles the delay each attempt with full jitter.
	RetryBackoff = "backoff"
)

// Trigger actions resolvable by the dispatcher.
const (
	// TriggerStartWorkflow spawns a new instance of this definition.
	TriggerStartWorkflow = "start-workflow"
	// TriggerActivateNode begins a new step sequence at a named node in
	// targeted running instances.
	TriggerActivateNode = "activate-node"
)

// Workflow is a complete, versioned workflow definition.
type Workflow struct {
	// Key uniquely identifies the definition (kebab-case).
	Key string `json:"key" yaml:"key"`

	// Title is the human-readable name.
	Title string `json:"title" yaml:"title"`

	// Revision disambiguates versions of the same key. A new revision is
	// a new definition; existing instances keep the revision they were
	// created with.
	Revision int `json:"revision" yaml:"revision"`

	// Stages order the workflow phases. Every node belongs to a stage.
	Stages []Stage `json:"stages" yaml:"stages"`

	// Roles declares the role vocabulary of this definition. Policy and
	// node role lists may only reference declared roles.
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`

	// Nodes is the step graph in declaration order. Declaration order is
	// the activation order whenever several nodes become eligible at once.
	Nodes []Node `json:"nodes" yaml:"nodes"`

	// Triggers bind external trigger names to actions on this definition.
	Triggers []Trigger `json:"triggers,omitempty" yaml:"triggers,omitempty"`

	// Policy maps command names to the roles allowed to run them.
	// Commands absent from the map are denied to non-system actors.
	Policy Policy `json:"policy,omitempty" yaml:"policy,omitempty"`

	// Params documents expected instance parameters (name → description).
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`

	// Checksum is the SHA-256 of the source file when loaded from YAML.
	Checksum string `json:"checksum,omitempty" yaml:"-"`

	// Source records the file path when loaded from YAML.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Stage is an ordered phase of the workflow.
type Stage struct {
	Key   string `json:"key" yaml:"key"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	Order int    `json:"order" yaml:"order"`
}

// Node is one vertex of the step graph. Kind selects which field group
// applies; validation rejects fields of foreign kinds.
type Node struct {
	Key   string   `json:"key" yaml:"key"`
	Title string   `json:"title,omitempty" yaml:"title,omitempty"`
	Kind  NodeKind `json:"kind" yaml:"kind"`
	Stage string   `json:"stage" yaml:"stage"`

	// Roles allowed to act on this node's steps (ignore, cancel,
	// process-activity). Empty means any participant role.
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`

	// Start marks an entry node activated when the instance starts.
	Start bool `json:"start,omitempty" yaml:"start,omitempty"`

	// Required makes terminal failure of this node fail the instance.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Multi allows several live step instances of this node at once.
	Multi bool `json:"multi,omitempty" yaml:"multi,omitempty"`

	// Next lists nodes activated when a step of this node finishes DONE
	// (for waits: when the awaited event arrives).
	Next []string `json:"next,omitempty" yaml:"next,omitempty"`

	// ── Step fields ──

	// Handler names the registered step handler.
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`

	// Params is the static handler payload, merged under the instance
	// parameters at execution time.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Retry governs re-execution after FAILED outcomes.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// TimeoutSeconds bounds one handler execution. Zero means no limit.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// OnFailure lists nodes activated when this step fails terminally
	// and the node is not required.
	OnFailure []string `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`

	// ── Gateway fields ──

	// Branches are evaluated in order; the first matching branch wins.
	Branches []Branch `json:"branches,omitempty" yaml:"branches,omitempty"`

	// Else activates when no branch matches.
	Else []string `json:"else,omitempty" yaml:"else,omitempty"`

	// ── Wait fields ──

	// Event names the awaited event.
	Event string `json:"event,omitempty" yaml:"event,omitempty"`

	// Selector optionally names a payload key that must equal the step's
	// selector value for the event to match.
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
}

// Branch is one gateway route.
type Branch struct {
	When Condition `json:"when" yaml:"when"`
	To   []string  `json:"to" yaml:"to"`
}

// Condition matches a memo key against an exact string value.
type Condition struct {
	Key    string `json:"key" yaml:"key"`
	Equals string `json:"equals" yaml:"equals"`
}

// Matches evaluates the condition against a memo map. Absent keys never
// match.
func (c Condition) Matches(memo map[string]any) bool {
	v, ok := memo[c.Key]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == c.Equals
}

// RetryPolicy controls re-execution of failed steps.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// Policy is RetryFixed or RetryBackoff.
	Policy string `json:"policy" yaml:"policy"`

	// DelaySeconds is the base delay between attempts.
	DelaySeconds int `json:"delay_seconds" yaml:"delay_seconds"`
}

// Trigger binds an external trigger name to an action on this definition.
type Trigger struct {
	// Name is the external trigger identifier.
	Name string `json:"name" yaml:"name"`

	// Action is TriggerStartWorkflow or TriggerActivateNode.
	Action string `json:"action" yaml:"action"`

	// Node is the activation target for TriggerActivateNode.
	Node string `json:"node,omitempty" yaml:"node,omitempty"`

	// Schedule optionally fires this trigger on a cron schedule
	// (standard 5-field syntax or descriptors like "@every 30s").
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// ParamMap copies trigger payload keys into instance params
	// (payload key → param name) for start-workflow bindings.
	ParamMap map[string]string `json:"param_map,omitempty" yaml:"param_map,omitempty"`
}

// Policy maps command names to the roles allowed to run them. A
// definition with no policy at all leaves authorization to the hosting
// application; once a policy is declared, commands it does not name are
// denied.
type Policy map[string][]string

// Allows reports whether any of the actor roles may run the command.
func (p Policy) Allows(command string, roles []string) bool {
	if len(p) == 0 {
		return true
	}
	allowed, ok := p[command]
	if !ok {
		return false
	}
	for _, want := range allowed {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Ref is the "key@revision" reference form used in logs and lookups.
func (w *Workflow) Ref() string {
	return fmt.Sprintf("%s@%d", w.Key, w.Revision)
}

// Node returns the node with the given key, or nil.
func (w *Workflow) Node(key string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Key == key {
			return &w.Nodes[i]
		}
	}
	return nil
}

// StartNodes returns the entry nodes in declaration order.
func (w *Workflow) StartNodes() []*Node {
	var starts []*Node
	for i := range w.Nodes {
		if w.Nodes[i].Start {
			starts = append(starts, &w.Nodes[i])
		}
	}
	return starts
}

// Stage returns the stage with the given key, or nil.
func (w *Workflow) Stage(key string) *Stage {
	for i := range w.Stages {
		if w.Stages[i].Key == key {
			return &w.Stages[i]
		}
	}
	return nil
}

// NodeOrder returns the declaration index of a node key, used for the
// deterministic activation order. Unknown keys sort last.
func (w *Workflow) NodeOrder(key string) int {
	for i := range w.Nodes {
		if w.Nodes[i].Key == key {
			return i
		}
	}
	return len(w.Nodes)
}
