package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/core"
)

var log = logging.MustGetLogger("scheduler")

// Mode selects how the scheduler reacts to the first action failure.
type Mode int

const (
	// FailFast drains queues and cancels in-flight work on the first
	// failure, the default for interactive builds.
	FailFast Mode = iota
	// Resilient lets independent work keep running after a failure and
	// aggregates every independently-failed target into the final Report.
	Resilient
)

// ActionFunc executes the action backing a single node and returns its
// outputs. The scheduler never constructs this itself — the orchestrator
// supplies it, closing over the action provider registry and sandbox
// executor the scheduler doesn't need to know about.
type ActionFunc func(ctx context.Context, id core.TargetID) ([]core.OutputEntry, error)

// QueueObserver receives the scheduler's current queue depth after the
// initial seeding and after every node completes, for the orchestrator to forward into the telemetry
// registry (§4.11) without this package importing it.
type QueueObserver func(depth int)

// Report summarizes one Run: which targets succeeded, failed, or were
// never attempted because a dependency failed first.
type Report struct {
	Built   []core.TargetID
	Failed  []core.TargetID
	Blocked []core.TargetID
	Errors  *builderrors.Aggregate
}

// retryBudget bounds how many times a transient error is retried before
// the node is given up as Failed, and the base/cap of its exponential
// backoff.
const (
	retryBudget  = 4
	retryBase    = 50 * time.Millisecond
	retryCap     = 2 * time.Second
)

// Scheduler coordinates a worker pool of per-worker deques over a
// core.Graph, per §4.6: initial round-robin assignment of leaf nodes,
// power-of-two-choices work stealing when a worker's own deque empties,
// and fail-fast or resilient cancellation semantics on the first failure.
type Scheduler struct {
	graph   *core.Graph
	workers int
	mode    Mode
	deques  []*deque
	observe QueueObserver

	admission *semaphore.Weighted
}

// New returns a Scheduler with workers deques, ready to Run over graph.
// workers also bounds admission: at most workers actions run concurrently.
func New(graph *core.Graph, workers int, mode Mode) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	deques := make([]*deque, workers)
	for i := range deques {
		deques[i] = newDeque()
	}
	return &Scheduler{
		graph:     graph,
		workers:   workers,
		mode:      mode,
		deques:    deques,
		admission: semaphore.NewWeighted(int64(workers)),
	}
}

// SetQueueObserver registers a callback invoked once the initial ready
// nodes are seeded and after every node completes, reporting the total number of queued-but-not-yet-
// building nodes across all workers.
func (s *Scheduler) SetQueueObserver(observe QueueObserver) {
	s.observe = observe
}

// schedState is the per-Run bookkeeping the worker goroutines share; kept
// separate from Scheduler itself so one Scheduler can, in principle, Run
// sequential builds without carrying state between them.
type schedState struct {
	run    ActionFunc
	ctx    context.Context
	cancel context.CancelFunc
	mode   Mode

	mu      sync.Mutex
	report  Report
	pending int // nodes not yet in a terminal state
	done    chan struct{}
}

// RunWithAction schedules every node reachable from targets (via the
// graph's dependency edges) that isn't already in a terminal status — the
// orchestrator is expected to have already marked cache hits Cached before
// calling this, per §4.7's protocol, so this only ever executes actions for
// nodes that actually need to run. run backs every node's action; tests
// supply a fake in place of the real provider registry the orchestrator
// closes over.
func (s *Scheduler) RunWithAction(ctx context.Context, targets []core.TargetID, run ActionFunc) (*Report, error) {
	if run == nil {
		return nil, builderrors.New(builderrors.ConfigInvalid, "scheduler: no ActionFunc supplied")
	}

	closure := s.reachable(targets)
	pending := 0
	for _, id := range closure {
		if n := s.graph.Node(id); n != nil && !n.Status().IsDone() {
			pending++
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &schedState{
		run:     run,
		ctx:     runCtx,
		cancel:  cancel,
		mode:    s.mode,
		report:  Report{Errors: builderrors.NewAggregate()},
		pending: pending,
		done:    make(chan struct{}),
	}
	if pending == 0 {
		close(st.done)
		return &st.report, nil
	}

	s.seed(closure)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.workerLoop(worker, st)
		}(i)
	}

	select {
	case <-st.done:
	case <-runCtx.Done():
		cancel()
	}
	wg.Wait()

	return &st.report, st.report.Errors.ErrorOrNil()
}

// reachable returns every TargetID in the dependency closure of targets,
// including targets themselves, via a recursive depth-first walk over
// Dependencies.
func (s *Scheduler) reachable(targets []core.TargetID) []core.TargetID {
	seen := map[core.TargetID]bool{}
	var order []core.TargetID
	var walk func(id core.TargetID)
	walk = func(id core.TargetID) {
		if seen[id] {
			return
		}
		seen[id] = true
		order = append(order, id)
		for _, dep := range s.graph.Dependencies(id) {
			walk(dep)
		}
	}
	for _, t := range targets {
		walk(t)
	}
	return order
}

// seed marks every node with no unbuilt dependency Ready and round-robins
// it across the worker deques, per §4.6's "initial assignment round-robins
// leaf nodes across workers."
func (s *Scheduler) seed(closure []core.TargetID) {
	i := 0
	for _, id := range closure {
		n := s.graph.Node(id)
		if n == nil || n.Status().IsDone() {
			continue
		}
		if s.graph.AllDepsBuilt(id) && s.graph.MarkReady(id) {
			s.deques[i%s.workers].pushBottom(id)
			i++
		}
	}
	s.reportQueueDepth()
}

func (s *Scheduler) workerLoop(worker int, st *schedState) {
	own := s.deques[worker]
	idleStreak := 0
	for {
		select {
		case <-st.ctx.Done():
			return
		case <-st.done:
			return
		default:
		}

		id, ok := own.popBottom()
		if !ok {
			id, ok = s.steal(worker)
		}
		if !ok {
			idleStreak++
			if s.allDone(st) {
				return
			}
			// Brief backoff before polling again; this scheduler is not
			// lock-free so a tight spin here would just burn CPU fighting
			// the mutexes in every other worker's deque.
			time.Sleep(time.Duration(1+idleStreak%10) * time.Millisecond)
			continue
		}
		idleStreak = 0
		s.execute(worker, st, id)
	}
}

// steal picks two random peer workers (power-of-two-choices) and steals
// from whichever has the deeper queue, per §4.6.
func (s *Scheduler) steal(worker int) (core.TargetID, bool) {
	if s.workers < 2 {
		return core.TargetID{}, false
	}
	a := randPeer(worker, s.workers)
	b := randPeer(worker, s.workers)
	pick := a
	if s.deques[b].len() > s.deques[a].len() {
		pick = b
	}
	return s.deques[pick].stealTop()
}

func randPeer(self, n int) int {
	p := rand.Intn(n)
	if p == self {
		p = (p + 1) % n
	}
	return p
}

func (s *Scheduler) allDone(st *schedState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending == 0
}

func (s *Scheduler) execute(worker int, st *schedState, id core.TargetID) {
	if err := st.ctx.Err(); err != nil {
		return
	}
	if !s.admission.TryAcquire(1) {
		if err := s.admission.Acquire(st.ctx, 1); err != nil {
			return
		}
	}
	defer s.admission.Release(1)

	if !s.graph.MarkBuilding(id) {
		s.finishNode(worker, st, id, nil, nil)
		return
	}

	outputs, err := s.runWithRetry(st.ctx, st.run, id)
	if err != nil {
		s.graph.MarkFailed(id, err)
		s.finishNode(worker, st, id, nil, err)
		return
	}
	s.graph.MarkSuccess(id, outputs)
	s.finishNode(worker, st, id, outputs, nil)
}

// runWithRetry retries err's that builderrors classifies as Retryable,
// with a capped exponential backoff: one initial attempt plus up to
// retryBudget retries.
func (s *Scheduler) runWithRetry(ctx context.Context, run ActionFunc, id core.TargetID) ([]core.OutputEntry, error) {
	var lastErr error
	backoff := retryBase
	for attempt := 0; attempt <= retryBudget; attempt++ {
		outputs, err := run(ctx, id)
		if err == nil {
			return outputs, nil
		}
		lastErr = err
		if !builderrors.KindOf(err).Retryable() {
			return nil, err
		}
		if attempt == retryBudget {
			break
		}
		log.Warning("retrying %s after transient error (attempt %d/%d): %s", id, attempt+1, retryBudget, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryCap {
			backoff = retryCap
		}
	}
	return nil, lastErr
}

// finishNode records id's outcome in the report, propagates Blocked status
// to dependents on failure (fail-fast cancels the whole run; resilient
// keeps going), and pushes any dependent that just became ready onto this
// worker's own deque.
func (s *Scheduler) finishNode(worker int, st *schedState, id core.TargetID, outputs []core.OutputEntry, err error) {
	st.mu.Lock()
	if err != nil {
		st.report.Failed = append(st.report.Failed, id)
		st.report.Errors.Add(builderrors.Wrap(builderrors.ActionFailed, err, "building %s", id))
	} else {
		st.report.Built = append(st.report.Built, id)
	}
	st.pending--
	st.mu.Unlock()

	if err != nil {
		s.blockDependents(st, id)
		if st.mode == FailFast {
			st.cancel()
		}
	} else {
		s.promoteDependents(worker, st, id)
	}

	st.mu.Lock()
	if st.pending == 0 {
		select {
		case <-st.done:
		default:
			close(st.done)
		}
	}
	st.mu.Unlock()
	s.reportQueueDepth()
}

// blockDependents marks every transitive dependent of id Blocked and
// counts them against pending, since they'll never be attempted.
func (s *Scheduler) blockDependents(st *schedState, failed core.TargetID) {
	var walk func(core.TargetID)
	seen := map[core.TargetID]bool{}
	walk = func(id core.TargetID) {
		for _, dep := range s.graph.Dependents(id) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			n := s.graph.Node(dep)
			if n == nil || n.Status().IsDone() {
				continue
			}
			s.graph.MarkBlocked(dep, failed)
			st.mu.Lock()
			st.report.Blocked = append(st.report.Blocked, dep)
			st.pending--
			st.mu.Unlock()
			walk(dep)
		}
	}
	walk(failed)
}

// promoteDependents finds every dependent of id whose dependencies are now
// all built and marks it Ready, pushing it onto the completing worker's own
// deque — §4.6's "a dependent whose count reaches zero is pushed to the
// completing worker's deque."
func (s *Scheduler) promoteDependents(worker int, st *schedState, id core.TargetID) {
	for _, dep := range s.graph.Dependents(id) {
		n := s.graph.Node(dep)
		if n == nil || n.Status() != core.Pending {
			continue
		}
		if s.graph.AllDepsBuilt(dep) && s.graph.MarkReady(dep) {
			s.deques[worker].pushBottom(dep)
		}
	}
}

func (s *Scheduler) reportQueueDepth() {
	if s.observe == nil {
		return
	}
	depth := 0
	for _, d := range s.deques {
		depth += d.len()
	}
	s.observe(depth)
}
