package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/cluster"
	"github.com/fluvius-io/fluvius-interim/ext"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// Pool runs a fixed set of worker goroutines draining an in-process
// dispatch queue. Commands hand newly activated steps to Enqueue, each
// execution's follow-up dispatches are re-enqueued, and ResumeAll
// rebuilds the queue from the store after a restart, so one external
// input can ripple a whole branch of the graph without polling.
type Pool struct {
	store       workflow.Store
	cluster     cluster.Store
	executor    *Executor
	extensions  *ext.Registry
	concurrency int
	queueDepth  int
	workerID    id.WorkerID
	hostname    string
	logger      *slog.Logger

	heartbeatInterval time.Duration

	queue    chan *workflow.Step
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithQueueDepth sets the dispatch queue capacity. Enqueue blocks when
// the queue is full.
func WithQueueDepth(n int) PoolOption {
	return func(p *Pool) { p.queueDepth = n }
}

// WithClusterStore enables worker registration and heartbeats against a
// shared cluster store.
func WithClusterStore(s cluster.Store) PoolOption {
	return func(p *Pool) { p.cluster = s }
}

// WithHeartbeatInterval sets how often the pool refreshes its cluster
// registration and reaps dead peers. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// NewPool creates a worker pool.
func NewPool(
	store workflow.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	hostname, _ := os.Hostname()
	p := &Pool{
		store:             store,
		executor:          executor,
		extensions:        extensions,
		concurrency:       8,
		queueDepth:        256,
		workerID:          id.NewWorkerID(),
		hostname:          hostname,
		logger:            logger,
		heartbeatInterval: 15 * time.Second,
		stopCh:            make(chan struct{}),
		active:            make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan *workflow.Step, p.queueDepth)
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start registers the worker and launches the goroutines. It returns
// immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	if p.cluster != nil {
		now := time.Now().UTC()
		w := &cluster.Worker{
			ID:          p.workerID,
			Hostname:    p.hostname,
			Concurrency: p.concurrency,
			State:       cluster.WorkerActive,
			LastSeen:    now,
			CreatedAt:   now,
		}
		if err := p.cluster.RegisterWorker(ctx, w); err != nil {
			return err
		}
	}

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Int("queue_depth", p.queueDepth),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.runLoop()
	}

	if p.cluster != nil && p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight steps to
// finish. If the context has a deadline, active executions are cancelled
// when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active steps")
		p.cancelActive()
		p.wg.Wait()
	}

	if p.cluster != nil {
		if err := p.cluster.DeregisterWorker(context.Background(), p.workerID); err != nil {
			p.logger.Warn("worker deregistration failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

// Enqueue hands dispatched steps to the pool. It blocks when the queue
// is full, applying backpressure to the producing command instead of
// dropping work.
func (p *Pool) Enqueue(ctx context.Context, steps ...*workflow.Step) error {
	for _, s := range steps {
		select {
		case p.queue <- s:
		case <-p.stopCh:
			return riparius.ErrEngineStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ResumeAll re-dispatches every active step of every running instance.
// Called once at startup so work dispatched before a crash or restart is
// not lost. A step that settled in the meantime is discarded as stale
// when its outcome is applied, so double dispatch is safe.
func (p *Pool) ResumeAll(ctx context.Context) (int, error) {
	instances, err := p.store.ListRunningInstances(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, inst := range instances {
		steps, err := p.store.ListSteps(ctx, inst.ID, workflow.StepListOpts{Status: workflow.StepActive})
		if err != nil {
			return total, err
		}
		if len(steps) == 0 {
			continue
		}
		if err := p.Enqueue(ctx, steps...); err != nil {
			return total, err
		}
		total += len(steps)
	}

	if total > 0 {
		p.logger.Info("resumed active steps",
			slog.Int("count", total),
			slog.Int("instances", len(instances)),
		)
	}
	return total, nil
}

// runLoop is run by each worker goroutine.
func (p *Pool) runLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case s := <-p.queue:
			p.execute(s)
		}
	}
}

func (p *Pool) execute(s *workflow.Step) {
	ctx, cancel := context.WithCancel(context.Background())
	p.track(s.ID.String(), cancel)
	defer func() {
		p.untrack(s.ID.String())
		cancel()
	}()

	followups, err := p.executor.Execute(ctx, s)
	if err != nil {
		p.logger.Error("step execution error",
			slog.String("workflow_id", s.WorkflowID.String()),
			slog.String("step_id", s.ID.String()),
			slog.String("node", s.NodeKey),
			slog.String("error", err.Error()),
		)
		return
	}
	p.enqueueFollowups(followups)
}

// enqueueFollowups re-enqueues the dispatches produced by applying an
// outcome. When the queue is full the send moves to a goroutine so a
// worker never blocks on its own follow-ups, which would deadlock a
// saturated pool.
func (p *Pool) enqueueFollowups(steps []*workflow.Step) {
	for _, s := range steps {
		select {
		case p.queue <- s:
		default:
			go func(s *workflow.Step) {
				select {
				case p.queue <- s:
				case <-p.stopCh:
				}
			}(s)
		}
	}
}

// heartbeatLoop refreshes the worker's cluster registration and prunes
// peers that stopped heartbeating.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.heartbeat()
		}
	}
}

func (p *Pool) heartbeat() {
	ctx := context.Background()

	if err := p.cluster.HeartbeatWorker(ctx, p.workerID); err != nil {
		p.logger.Warn("worker heartbeat failed", slog.String("error", err.Error()))
		return
	}

	dead, err := p.cluster.ReapDeadWorkers(ctx, 3*p.heartbeatInterval)
	if err != nil {
		p.logger.Warn("dead worker reap failed", slog.String("error", err.Error()))
		return
	}
	for _, w := range dead {
		if err := p.cluster.DeregisterWorker(ctx, w.ID); err != nil {
			p.logger.Warn("failed to deregister dead worker",
				slog.String("worker_id", w.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.logger.Info("reaped dead worker",
			slog.String("worker_id", w.ID.String()),
			slog.String("hostname", w.Hostname),
		)
	}
}

func (p *Pool) track(stepID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[stepID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(stepID string) {
	p.activeMu.Lock()
	delete(p.active, stepID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for stepID, cancel := range p.active {
		p.logger.Warn("cancelling active step", slog.String("step_id", stepID))
		cancel()
	}
}
