// Package concurrency runs batches of external code-generation processes
// under a bounded concurrency budget.
//
// # Core Components
//
// Orchestrator - owns a batch's priority queue and control loop
//
//	o, _ := NewOrchestrator(DefaultOrchestratorConfig(), launcher)
//	h, _ := o.SubmitBatch(ctx, tasks)
//	result, _ := o.Await(ctx, h)
//
// ProcessLauncher - starts one process per attempt and tracks its output
//
//	launcher, _ := NewProcessLauncher(LauncherConfig{KillGrace: 5 * time.Second})
//
// ConcurrencyManager - counting semaphore; every Slot is released exactly once
//
// HeartbeatMonitor - per-process health verdicts from the pure Classify function
//
// RetryPolicy - exponential backoff with half-jitter, retryable error classes
//
// CircuitBreaker - CLOSED/OPEN/HALF_OPEN over consecutive task failures
//
// DegradationController - placeholder results through a PlaceholderStrategy
//
// EventChannel - typed events delivered to observers in one total order
//
//	o.Events().Subscribe(ObserverFunc(func(e Event) { ... }), ObserveOptions{Topics: []string{"task:*"}})
//
// EngineMetrics and WebhookNotifier are observers built on the event stream.
//
// # Thread Safety
//
// Each batch is driven by a single control loop goroutine which alone
// mutates task state, the queue and breaker counters. Supervisor goroutines
// report attempt outcomes back to the loop over a channel. The breaker and
// the concurrency manager are mutex-guarded so they can be shared between
// batches.
package concurrency
