package dispatcher

import (
	"sync"

	"golang.org/x/time/rate"
)

// IntakeLimit caps event and trigger intake for one workflow definition.
type IntakeLimit struct {
	// DefinitionKey selects the definition, or "*" for the default
	// applied to definitions without their own limit.
	DefinitionKey string

	// RatePerSecond is the sustained intake rate. Zero disables the
	// token bucket.
	RatePerSecond float64

	// Burst is the token bucket size. Defaults to 1 when a rate is set.
	Burst int

	// MaxInFlight limits concurrently processing intakes for the
	// definition. Zero means no cap.
	MaxInFlight int
}

type intakeState struct {
	limit   IntakeLimit
	limiter *rate.Limiter
	active  int
}

func newIntakeState(limit IntakeLimit) *intakeState {
	st := &intakeState{limit: limit}
	if limit.RatePerSecond > 0 {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(limit.RatePerSecond), burst)
	}
	return st
}

// Intake enforces per-definition rate and concurrency limits on incoming
// events and triggers. Definitions without a configured limit (and no "*"
// default) are unlimited. Safe for concurrent use.
type Intake struct {
	mu   sync.Mutex
	defs map[string]*intakeState
}

// NewIntake builds an Intake from the given limits.
func NewIntake(limits ...IntakeLimit) *Intake {
	in := &Intake{defs: make(map[string]*intakeState, len(limits))}
	for _, l := range limits {
		in.defs[l.DefinitionKey] = newIntakeState(l)
	}
	return in
}

// Acquire reserves one intake slot for the definition. When it returns
// true the caller must call Release after processing; false means the
// intake exceeds the configured rate or concurrency.
func (in *Intake) Acquire(definitionKey string) bool {
	if in == nil {
		return true
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	st := in.state(definitionKey)
	if st == nil {
		return true
	}
	if st.limiter != nil && !st.limiter.Allow() {
		return false
	}
	if st.limit.MaxInFlight > 0 && st.active >= st.limit.MaxInFlight {
		return false
	}
	st.active++
	return true
}

// Release returns the intake slot taken by a successful Acquire.
func (in *Intake) Release(definitionKey string) {
	if in == nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	if st := in.state(definitionKey); st != nil && st.active > 0 {
		st.active--
	}
}

func (in *Intake) state(definitionKey string) *intakeState {
	if st, ok := in.defs[definitionKey]; ok {
		return st
	}
	return in.defs["*"]
}
