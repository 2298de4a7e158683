package riparius

import "time"

// Config holds configuration for the Runtime.
type Config struct {
	// Namespace prefixes domain event names and store keys so several
	// engines can share one backend.
	Namespace string

	// Workers is the number of concurrent step executors.
	Workers int

	// QueueDepth is the buffer size of the in-process step activation
	// queue. Activations beyond the buffer block the committing command.
	QueueDepth int

	// MaxMutations caps how many domain events a single command may
	// emit. Exceeding the budget aborts the command.
	MaxMutations int

	// CommandTimeout is the default deadline applied to command
	// execution by the timeout middleware. Zero disables it.
	CommandTimeout time.Duration

	// PollInterval is how often the trigger scheduler checks for due
	// entries and the event bus polls for new events.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often workers report liveness.
	HeartbeatInterval time.Duration

	// StaleWorkerThreshold is how long before a worker without a
	// heartbeat is considered dead.
	StaleWorkerThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:            "riparius-workflow",
		Workers:              10,
		QueueDepth:           1000,
		MaxMutations:         50,
		CommandTimeout:       30 * time.Second,
		PollInterval:         1 * time.Second,
		ShutdownTimeout:      30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		StaleWorkerThreshold: 30 * time.Second,
	}
}
