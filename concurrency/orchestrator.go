package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smtg-ai/genbatch/log"
)

var (
	ErrBatchNotFound      = errors.New("batch not found")
	ErrOrchestratorClosed = errors.New("orchestrator closed")
)

// timeoutWarningThresholds are the elapsed fractions of a task timeout at
// which a timeout:warning is emitted.
var timeoutWarningThresholds = []float64{0.5, 0.75, 0.9}

// OrchestratorConfig defines configuration for the orchestrator
type OrchestratorConfig struct {
	// ConcurrencyLimit bounds the number of live processes across batches.
	ConcurrencyLimit int
	// TaskTimeout is the per-task wall-clock limit; Task.Timeout overrides it.
	TaskTimeout time.Duration
	Retry       RetryPolicyConfig
	Breaker     CircuitBreakerConfig
	Heartbeat   HeartbeatConfig
	// DegradationEnabled replaces unsuccessful results with placeholders.
	DegradationEnabled bool
	// Placeholder renders degraded output. Nil uses the default template.
	Placeholder PlaceholderStrategy
	// ShareBreaker makes all batches share one circuit breaker.
	ShareBreaker bool
	// EventHistory is the number of events retained for replay.
	EventHistory int
}

// DefaultOrchestratorConfig returns a default configuration
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		ConcurrencyLimit:   4,
		TaskTimeout:        10 * time.Minute,
		Retry:              DefaultRetryPolicyConfig(),
		Breaker:            DefaultCircuitBreakerConfig(),
		Heartbeat:          DefaultHeartbeatConfig(),
		DegradationEnabled: true,
		EventHistory:       1000,
	}
}

// Orchestrator schedules batches of tasks onto external processes.
type Orchestrator struct {
	config   OrchestratorConfig
	launcher Launcher
	slots    *ConcurrencyManager
	retry    *RetryPolicy
	events   *EventChannel
	breaker  *CircuitBreaker

	mu      sync.Mutex
	batches map[string]*batchRun
	closed  bool
	wg      sync.WaitGroup
}

// NewOrchestrator creates an orchestrator that starts processes through launcher.
func NewOrchestrator(config *OrchestratorConfig, launcher Launcher) (*Orchestrator, error) {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	if launcher == nil {
		return nil, fmt.Errorf("launcher cannot be nil")
	}
	slots, err := NewConcurrencyManager(config.ConcurrencyLimit)
	if err != nil {
		return nil, fmt.Errorf("concurrency limit %d: %w", config.ConcurrencyLimit, err)
	}
	if config.Placeholder == nil {
		strategy, err := NewTemplateStrategy("")
		if err != nil {
			return nil, err
		}
		config.Placeholder = strategy
	}

	o := &Orchestrator{
		config:   *config,
		launcher: launcher,
		slots:    slots,
		retry:    NewRetryPolicy(config.Retry),
		events:   NewEventChannel(EventChannelConfig{HistorySize: config.EventHistory}),
		batches:  make(map[string]*batchRun),
	}
	if config.ShareBreaker {
		o.breaker = NewCircuitBreaker(config.Breaker)
	}
	return o, nil
}

// Events returns the notification channel. Subscribe before submitting to
// see every event, or subscribe with Replay.
func (o *Orchestrator) Events() *EventChannel {
	return o.events
}

// RetryPolicy exposes the policy, mainly to inject a jitter source in tests.
func (o *Orchestrator) RetryPolicy() *RetryPolicy {
	return o.retry
}

// BatchHandle identifies a submitted batch.
type BatchHandle struct {
	ID  string
	run *batchRun
}

// Done is closed once the batch result is available.
func (h *BatchHandle) Done() <-chan struct{} {
	return h.run.done
}

// SubmitBatch validates and copies tasks and starts processing them. The
// batch is cancelled when ctx is.
func (o *Orchestrator) SubmitBatch(ctx context.Context, tasks []*Task) (*BatchHandle, error) {
	if err := validateTasks(tasks); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOrchestratorClosed
	}

	now := time.Now()
	batch := &Batch{
		ID:               uuid.New().String(),
		Tasks:            make([]*Task, 0, len(tasks)),
		ConcurrencyLimit: o.slots.Limit(),
		StartedAt:        now,
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &batchRun{
		o:         o,
		batch:     batch,
		ctx:       runCtx,
		cancel:    cancel,
		queue:     NewTaskQueue(),
		breaker:   o.breaker,
		degrade:   NewDegradationController(o.config.DegradationEnabled, o.config.Placeholder),
		// A task has at most one message outstanding, so sends never block.
		msgs:      make(chan runMsg, len(tasks)+1),
		results:   make(map[string]*TaskResult, len(tasks)),
		firstRun:  make(map[string]time.Time, len(tasks)),
		done:      make(chan struct{}),
		slowEvery: log.NewEvery(30 * time.Second),
	}
	if r.breaker == nil {
		r.breaker = NewCircuitBreaker(o.config.Breaker)
	}
	for _, t := range tasks {
		c := t.clone()
		c.Status = TaskStatusPending
		c.Attempts = 0
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		batch.Tasks = append(batch.Tasks, c)
		r.results[c.ID] = &TaskResult{TaskID: c.ID, Status: TaskStatusPending}
		r.queue.Enqueue(c)
	}

	o.batches[batch.ID] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		r.loop()
	}()

	log.InfoLog.Printf("batch %s submitted: %d tasks, concurrency %d", batch.ID, len(batch.Tasks), batch.ConcurrencyLimit)
	return &BatchHandle{ID: batch.ID, run: r}, nil
}

// Await blocks until the batch is finished or ctx is done. A cancelled
// batch still yields its partial result.
func (o *Orchestrator) Await(ctx context.Context, h *BatchHandle) (*BatchResult, error) {
	if h == nil || h.run == nil {
		return nil, ErrBatchNotFound
	}
	select {
	case <-h.run.done:
		return h.run.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a batch: pending and retry-waiting tasks are cancelled and
// running processes are terminated. It does not wait; use Await.
func (o *Orchestrator) Cancel(h *BatchHandle) {
	if h == nil || h.run == nil {
		return
	}
	select {
	case <-h.run.done:
		return
	default:
	}
	log.InfoLog.Printf("batch %s: cancel requested", h.ID)
	h.run.cancel()
}

// Lookup returns the handle of a batch that has not finished yet.
func (o *Orchestrator) Lookup(id string) (*BatchHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return &BatchHandle{ID: id, run: r}, nil
}

// Run submits tasks and waits for the result.
func (o *Orchestrator) Run(ctx context.Context, tasks []*Task) (*BatchResult, error) {
	h, err := o.SubmitBatch(ctx, tasks)
	if err != nil {
		return nil, err
	}
	// The batch itself observes ctx; waiting on Background still returns
	// the partial result after a cancel.
	return o.Await(context.Background(), h)
}

// Close cancels every running batch, waits for them to finish and stops the
// event channel.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, r := range o.batches {
		r.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
	o.events.Close()
	log.InfoLog.Println("orchestrator closed")
}

func (o *Orchestrator) timeoutFor(t *Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return o.config.TaskTimeout
}

// runMsg is reported back to a batch's control loop: either the outcome of
// one attempt or a task whose retry delay elapsed.
type runMsg struct {
	outcome *attemptOutcome
	retry   *Task
}

type attemptOutcome struct {
	task     *Task
	permit   Permit
	err      error
	output   ParsedOutput
	duration time.Duration
	// supervised is false for attempts that failed to start.
	supervised bool
}

// batchRun is the state of one batch. Everything except msgs and the
// channels is owned by the loop goroutine.
type batchRun struct {
	o      *Orchestrator
	batch  *Batch
	ctx    context.Context
	cancel context.CancelFunc

	queue    *TaskQueue
	breaker  *CircuitBreaker
	degrade  *DegradationController
	msgs     chan runMsg
	inFlight int
	waiting  int
	results  map[string]*TaskResult
	firstRun map[string]time.Time

	slowEvery *log.Every

	done   chan struct{}
	result *BatchResult
}

func (r *batchRun) publish(kind EventKind, taskID string, payload EventPayload) {
	_, err := r.o.events.Publish(Event{Kind: kind, BatchID: r.batch.ID, TaskID: taskID, Payload: payload})
	if err != nil {
		log.DebugLog.Printf("batch %s: dropping %s: %v", r.batch.ID, kind, err)
	}
}

func (r *batchRun) loop() {
	defer close(r.done)
	defer r.cancel()

	r.publish(EventBatchStart, "", BatchStartPayload{
		TaskCount:        len(r.batch.Tasks),
		ConcurrencyLimit: r.batch.ConcurrencyLimit,
	})

	for r.ctx.Err() == nil {
		if r.queue.Len() > 0 {
			// Consult the breaker before waiting for a slot so an open
			// circuit short-circuits without queueing behind running work.
			r.drain()
			if r.breaker.Blocked() {
				task := r.queue.Dequeue()
				log.InfoLog.Printf("task %s: circuit open, not dispatched", task.ID)
				r.fail(task, ClassCircuitOpen, ErrCircuitOpen, ReasonCircuitOpen)
				continue
			}
			slot, err := r.o.slots.Acquire(r.ctx)
			if err != nil {
				continue
			}
			// Outcomes that arrived while waiting may have tripped the breaker.
			r.drain()
			if r.ctx.Err() != nil {
				slot.Release()
				break
			}
			task := r.queue.Dequeue()
			if task == nil {
				slot.Release()
				continue
			}
			r.dispatch(task, slot)
			continue
		}

		if r.inFlight == 0 && r.waiting == 0 {
			break
		}
		select {
		case m := <-r.msgs:
			r.handle(m)
		case <-r.ctx.Done():
		}
	}

	cancelled := r.ctx.Err() != nil
	if cancelled {
		r.shutdown()
	}
	r.finish(cancelled)
}

// drain applies every message already queued without blocking.
func (r *batchRun) drain() {
	for {
		select {
		case m := <-r.msgs:
			r.handle(m)
		default:
			return
		}
	}
}

func (r *batchRun) handle(m runMsg) {
	switch {
	case m.outcome != nil:
		r.apply(m.outcome)
	case m.retry != nil:
		if m.retry.Status != TaskStatusRetryWait {
			return
		}
		r.waiting--
		m.retry.Status = TaskStatusPending
		r.queue.Enqueue(m.retry)
	}
}

// dispatch starts one attempt of task on the held slot.
func (r *batchRun) dispatch(task *Task, slot *Slot) {
	permit := r.breaker.Allow()
	if !permit.Allowed {
		slot.Release()
		log.InfoLog.Printf("task %s: circuit open, not dispatched", task.ID)
		r.fail(task, ClassCircuitOpen, ErrCircuitOpen, ReasonCircuitOpen)
		return
	}

	task.Attempts++
	task.Status = TaskStatusRunning
	if _, ok := r.firstRun[task.ID]; !ok {
		r.firstRun[task.ID] = time.Now()
	}

	cmd := task.launchSpec()
	spec := LaunchSpec{
		TaskID:  task.ID,
		Command: cmd,
		Env:     task.Env,
		Dir:     task.Dir,
		Stdin:   task.Stdin,
		Timeout: r.o.timeoutFor(task),
	}
	proc, err := r.o.launcher.Launch(r.ctx, spec)
	if err != nil {
		slot.Release()
		log.WarningLog.Printf("task %s: attempt %d failed to start: %v", task.ID, task.Attempts, err)
		if ClassOf(err) == ClassUnknown {
			err = NewTaskError(ClassProcessSpawn, err)
		}
		r.apply(&attemptOutcome{task: task, permit: permit, err: err})
		return
	}

	r.inFlight++
	pid := proc.Snapshot().PID
	log.InfoLog.Printf("task %s: attempt %d dispatched (pid %d)", task.ID, task.Attempts, pid)
	r.publish(EventTaskStart, task.ID, TaskStartPayload{
		Attempt:  task.Attempts,
		Command:  cmd.Command,
		PID:      pid,
		Fallback: task.useFallback && task.Fallback != nil,
	})

	go r.supervise(task, permit, proc, slot, spec.Timeout)
}

// supervise polls the process until it exits and reports the outcome. It
// never touches loop-owned state other than through msgs.
func (r *batchRun) supervise(task *Task, permit Permit, proc Process, slot *Slot, timeout time.Duration) {
	monitor := NewHeartbeatMonitor(task.ID, r.o.config.Heartbeat)
	ticker := time.NewTicker(monitor.cfg.PollInterval)
	defer ticker.Stop()

	started := proc.Snapshot().StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	nextWarning := 0
	var warnC <-chan time.Time
	var warnTimer *time.Timer
	armWarning := func() {
		if timeout <= 0 || nextWarning >= len(timeoutWarningThresholds) {
			warnC = nil
			return
		}
		at := started.Add(time.Duration(float64(timeout) * timeoutWarningThresholds[nextWarning]))
		if warnTimer == nil {
			warnTimer = time.NewTimer(time.Until(at))
		} else {
			warnTimer.Reset(time.Until(at))
		}
		warnC = warnTimer.C
	}
	armWarning()
	defer func() {
		if warnTimer != nil {
			warnTimer.Stop()
		}
	}()

	dead := false
	var deadReason string
	for running := true; running; {
		select {
		case <-proc.Done():
			running = false

		case now := <-ticker.C:
			tick := monitor.Poll(proc.Snapshot(), now)
			a := tick.Assessment
			if tick.StartedWaiting {
				log.InfoLog.Printf("task %s: waiting for input", task.ID)
				r.publish(EventProcessWaiting, task.ID, ProcessHealthPayload{Assessment: a})
			}
			switch a.Verdict {
			case VerdictSlow:
				if tick.Transitioned {
					if r.slowEvery.ShouldLog() {
						log.WarningLog.Printf("task %s: slow: %s", task.ID, a.Reason)
					}
					r.publish(EventProcessSlow, task.ID, ProcessHealthPayload{Assessment: a})
				}
			case VerdictDead:
				if !dead {
					dead = true
					deadReason = a.Reason
					log.WarningLog.Printf("task %s: dead (%s), terminating", task.ID, a.Reason)
					r.publish(EventProcessDead, task.ID, ProcessHealthPayload{Assessment: a})
					proc.Terminate()
				}
			}

		case <-warnC:
			snap := proc.Snapshot()
			r.publish(EventTimeoutWarning, task.ID, TimeoutWarningPayload{
				Threshold:        timeoutWarningThresholds[nextWarning],
				ElapsedMS:        time.Since(started).Milliseconds(),
				TimeoutMS:        timeout.Milliseconds(),
				PartialOutputLen: snap.StdoutBytes,
				Usage:            proc.ResourceUsage(),
			})
			nextWarning++
			armWarning()
		}
	}

	exit := proc.Exit()
	outcome := &attemptOutcome{
		task:       task,
		permit:     permit,
		duration:   exit.Duration,
		supervised: true,
	}
	outcome.output, outcome.err = classifyAttempt(exit, dead, deadReason, r.ctx.Err() != nil)

	// Report before releasing: whoever acquires this slot next finds the
	// outcome already queued and applies it to the breaker first.
	r.msgs <- runMsg{outcome: outcome}
	slot.Release()
}

// classifyAttempt turns a process exit into parsed output or a *TaskError.
func classifyAttempt(exit ProcessExit, dead bool, deadReason string, cancelled bool) (ParsedOutput, error) {
	switch {
	case exit.TimedOut:
		return ParsedOutput{}, &TaskError{Class: ClassTimeout, ExitCode: exit.ExitCode, Err: fmt.Errorf("timed out after %s", exit.Duration.Round(time.Millisecond))}
	case dead:
		return ParsedOutput{}, &TaskError{Class: ClassTimeout, ExitCode: exit.ExitCode, Err: fmt.Errorf("process dead: %s", deadReason)}
	case cancelled && exit.Terminated:
		return ParsedOutput{}, &TaskError{Class: ClassCancelled, ExitCode: exit.ExitCode, Err: context.Canceled}
	case exit.Err != nil:
		return ParsedOutput{}, &TaskError{Class: ClassUnknown, ExitCode: exit.ExitCode, Err: exit.Err}
	}

	parsed := ParseOutput(exit.Stdout)
	if exit.ExitCode != 0 {
		diagnostic := exit.StderrTail
		if parsed.IsError {
			diagnostic = parsed.Text + "\n" + diagnostic
		}
		return parsed, ClassifyExit(exit.ExitCode, diagnostic)
	}
	if parsed.IsError {
		return parsed, &TaskError{Class: ClassifyOutput(parsed.Text), ExitCode: 0, Err: fmt.Errorf("reported error: %s", log.Truncate(parsed.Text, 200))}
	}
	return parsed, nil
}

// apply resolves one attempt outcome: success, retry or terminal failure.
func (r *batchRun) apply(out *attemptOutcome) {
	task := out.task
	if out.supervised {
		r.inFlight--
	}
	res := r.results[task.ID]

	if out.err == nil {
		r.breaker.Record(out.permit, true)
		task.Status = TaskStatusSucceeded
		res.Output = out.output.Text
		res.SessionID = out.output.SessionID
		res.ReportedCostUSD = out.output.ReportedCostUSD
		res.ReportedDurationMS = out.output.ReportedDurationMS
		r.seal(task)
		log.InfoLog.Printf("task %s: succeeded on attempt %d", task.ID, task.Attempts)
		r.publish(EventTaskComplete, task.ID, TaskCompletePayload{
			Attempt:    task.Attempts,
			DurationMS: out.duration.Milliseconds(),
			OutputLen:  len(res.Output),
		})
		return
	}

	class := ClassOf(out.err)
	if class == ClassCancelled || r.ctx.Err() != nil {
		r.breaker.Abandon(out.permit)
		r.cancelTask(task)
		return
	}

	r.breaker.Record(out.permit, false)
	decision := r.o.retry.Decide(task.Attempts, class)
	task.History = append(task.History, RetryAttempt{
		AttemptNumber: task.Attempts,
		DelayMS:       decision.Delay.Milliseconds(),
		ErrorClass:    class,
		Timestamp:     time.Now(),
	})

	if decision.Retry {
		task.Status = TaskStatusRetryWait
		r.waiting++
		if decision.UseFallback && task.Fallback != nil {
			task.useFallback = true
		}
		log.InfoLog.Printf("task %s: attempt %d failed (%v), retrying in %s", task.ID, task.Attempts, out.err, decision.Delay)
		r.publish(EventTaskRetry, task.ID, TaskRetryPayload{
			Attempt:     task.Attempts,
			ErrorClass:  class,
			DelayMS:     decision.Delay.Milliseconds(),
			UseFallback: task.useFallback,
		})
		go r.scheduleRetry(task, decision.Delay)
		return
	}

	reason := ReasonRetriesExhausted
	switch {
	case class == ClassProcessSpawn:
		reason = ReasonSpawnFailed
	case !class.Retryable():
		reason = ReasonNonRetryable
	}
	r.fail(task, class, out.err, reason)
}

func (r *batchRun) scheduleRetry(task *Task, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		r.msgs <- runMsg{retry: task}
	case <-r.ctx.Done():
	}
}

// fail makes task terminal after an unsuccessful outcome, degrading it when
// enabled.
func (r *batchRun) fail(task *Task, class ErrorClass, err error, reason DegradationReason) {
	res := r.results[task.ID]
	res.ErrorClass = class
	if err != nil {
		res.Error = err.Error()
	}

	if r.degrade.Enabled() {
		out, first := r.degrade.Degrade(PlaceholderRequest{
			TaskID:     task.ID,
			Priority:   task.Priority,
			Payload:    task.Payload,
			Reason:     reason,
			ErrorClass: class,
			Attempts:   task.Attempts,
		})
		if first {
			r.publish(EventDegradationEnabled, task.ID, DegradationPayload{Reason: string(reason), Strategy: r.degrade.Strategy()})
		}
		task.Status = TaskStatusDegraded
		res.Output = out
		res.Degraded = true
	} else {
		task.Status = TaskStatusFailed
	}
	r.seal(task)

	log.WarningLog.Printf("task %s: %s after %d attempt(s): %s (%s)", task.ID, task.Status, task.Attempts, class, reason)
	r.publish(EventTaskFailed, task.ID, TaskFailedPayload{
		Attempt:    task.Attempts,
		ErrorClass: class,
		Reason:     string(reason),
		Degraded:   res.Degraded,
	})
}

func (r *batchRun) cancelTask(task *Task) {
	if task.Status == TaskStatusRetryWait {
		r.waiting--
	}
	task.Status = TaskStatusCancelled
	r.results[task.ID].ErrorClass = ClassCancelled
	r.seal(task)
}

// seal copies the terminal task state into its result.
func (r *batchRun) seal(task *Task) {
	res := r.results[task.ID]
	res.Status = task.Status
	res.Attempts = task.Attempts
	res.History = append([]RetryAttempt(nil), task.History...)
	if start, ok := r.firstRun[task.ID]; ok {
		res.DurationMS = time.Since(start).Milliseconds()
	}
}

// shutdown cancels everything that has not finished and waits for running
// processes to exit.
func (r *batchRun) shutdown() {
	for _, t := range r.queue.Drain() {
		r.cancelTask(t)
	}
	for _, t := range r.batch.Tasks {
		if t.Status == TaskStatusRetryWait {
			r.cancelTask(t)
		}
	}
	if r.inFlight > 0 {
		log.InfoLog.Printf("batch %s: waiting for %d running process(es) to exit", r.batch.ID, r.inFlight)
	}
	for r.inFlight > 0 {
		m := <-r.msgs
		if m.outcome != nil {
			r.apply(m.outcome)
		}
	}
}

func (r *batchRun) finish(cancelled bool) {
	completed := time.Now()
	r.batch.CompletedAt = &completed

	results := make([]TaskResult, 0, len(r.batch.Tasks))
	for _, t := range r.batch.Tasks {
		res := r.results[t.ID]
		if !t.Status.Terminal() {
			// Unreachable unless the loop exited early; never report a
			// non-terminal status.
			log.ErrorLog.Printf("task %s: still %s at batch end, cancelling", t.ID, t.Status)
			r.cancelTask(t)
		}
		results = append(results, *res)
	}
	sortResults(results)

	stats := computeStats(results, r.batch.StartedAt, completed)
	r.result = &BatchResult{
		BatchID:     r.batch.ID,
		StartedAt:   r.batch.StartedAt,
		CompletedAt: completed,
		Cancelled:   cancelled,
		Results:     results,
		Stats:       stats,
		Breaker:     r.breaker.Snapshot(),
		Concurrency: r.o.slots.Stats(),
	}

	r.publish(EventBatchComplete, "", BatchCompletePayload{Stats: stats, Cancelled: cancelled})
	r.o.events.Flush()

	r.o.mu.Lock()
	delete(r.o.batches, r.batch.ID)
	r.o.mu.Unlock()

	log.InfoLog.Printf("batch %s finished in %s: %d succeeded, %d failed, %d degraded, %d cancelled",
		r.batch.ID, completed.Sub(r.batch.StartedAt).Round(time.Millisecond),
		stats.SuccessCount, stats.FailureCount, stats.DegradedCount, stats.CancelledCount)
}
