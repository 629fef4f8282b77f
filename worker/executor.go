// SPDX-License-Identifier: LGPL-3.0-or-later

// Package worker implements the Worker Runtime: a directory-watcher
// Transport, an Executor that enforces the protocol's pre-execution
// validation, idempotency shortcut, timeout/cancellation mapping and
// retry-with-backoff, and the supporting metrics/tracing/result-store
// adapters.
//
// The retry backoff is adapted from the teacher's daemon/queue.Queue,
// which paired an in-memory container/heap priority queue with the
// same linear per-attempt backoff; the priority queue itself doesn't
// carry over because job ordering here is FIFO-by-directory-listing,
// driven by the Transport rather than an in-process heap.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"guestkit/gkerr"
	"guestkit/jobproto"
)

// Handler is the executor-facing shape a registered operation is
// dispatched through: a bound, closed-over operation handler
// (cmd/hypervisord wraps each handlers.Handler.Execute in one of these,
// capturing its own progress reporter) reduced to the two arguments the
// executor actually threads through — the handler's identity and
// progress plumbing are its own concern, not the registry's.
type Handler func(ctx context.Context, doc *jobproto.JobDocument) (*jobproto.JobResult, error)

// HandlerRegistry maps operation tags to the Handler that executes
// them. Handlers hold no shared mutable state (spec's heterogeneous
// operation handler design).
type HandlerRegistry struct {
	byOperation map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byOperation: make(map[string]Handler)}
}

// Register binds operation to handler. A later call for the same
// operation replaces the earlier binding.
func (r *HandlerRegistry) Register(operation string, handler Handler) {
	r.byOperation[operation] = handler
}

func (r *HandlerRegistry) Lookup(operation string) (Handler, bool) {
	h, ok := r.byOperation[operation]
	return h, ok
}

// Executor runs the fetch -> validate -> idempotency-check -> dispatch
// -> persist-result loop described in the protocol (§4.10).
type Executor struct {
	transport            *Transport
	registry             *HandlerRegistry
	results              *ResultStore
	tracing              *TracingProvider
	advertisedCapabilities []string
	workerID             string

	// DefaultTimeout bounds handler execution when a job carries no
	// execution.timeout_seconds of its own.
	DefaultTimeout time.Duration

	inFlightWG sync.WaitGroup
}

func NewExecutor(transport *Transport, registry *HandlerRegistry, results *ResultStore, tracing *TracingProvider, workerID string, capabilities []string) *Executor {
	return &Executor{transport: transport, registry: registry, results: results, tracing: tracing, workerID: workerID, advertisedCapabilities: capabilities, DefaultTimeout: 30 * time.Minute}
}

// Run processes jobs from the transport, one at a time, until ctx is
// cancelled.
func (e *Executor) Run(ctx context.Context) error {
	for {
		doc, inFlightPath, err := e.transport.FetchNext(ctx)
		if err != nil {
			return err
		}
		e.handleOne(ctx, doc, inFlightPath)
	}
}

// RunConcurrent starts maxConcurrent fetch-execute loops against the
// shared Transport, implementing the runtime's "multiple jobs execute
// in parallel up to max_concurrent" requirement (§4.10 Concurrency); a
// single job's handler is never itself parallelised. It blocks until
// ctx is cancelled and every loop has returned.
func (e *Executor) RunConcurrent(ctx context.Context, maxConcurrent int) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < maxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Run(ctx)
		}()
	}
	wg.Wait()
}

// Shutdown signals all in-flight handlers via ctx cancellation (the
// caller's responsibility) and waits up to grace for them to return;
// still-running handlers are abandoned once grace elapses. Their jobs
// were already marked Cancelled/Timeout by handleOne when their own
// context expired, so this only bounds how long the process waits.
func (e *Executor) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		e.inFlightWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (e *Executor) handleOne(ctx context.Context, doc *jobproto.JobDocument, inFlightPath string) {
	tracer := e.tracing.Tracer("guestkit/worker")
	traceID, correlationID := "", ""
	if doc.Observability != nil {
		traceID, correlationID = doc.Observability.TraceID, doc.Observability.CorrelationID
	}
	spanCtx, span := TraceJobExecution(ctx, tracer, doc.JobID, doc.Operation, traceID, correlationID)
	defer span.End()

	if err := doc.Validate(e.advertisedCapabilities); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pre-execution validation failed")
		result := e.failedResult(doc, err, 0)
		_ = e.results.Save(result)
		_ = e.transport.Nack(inFlightPath, err.Error())
		RecordJobCompletion(doc.Operation, string(jobproto.StatusFailed), 0)
		return
	}

	var idempotencyKey string
	if doc.Execution != nil {
		idempotencyKey = doc.Execution.IdempotencyKey
	}
	if cached, ok, _ := e.results.Lookup(idempotencyKey); ok {
		span.SetStatus(codes.Ok, "idempotent replay")
		// Re-persist the cached result under this submission's own job_id
		// (P7, scenario 6): a resubmission may carry a different job_id
		// than the run that produced the cached result, and every job_id
		// must have its own result file at <results>/<job_id>-result.json.
		replay := *cached
		replay.JobID = doc.JobID
		_ = e.results.Save(&replay)
		_ = e.transport.Ack(inFlightPath)
		RecordJobCompletion(doc.Operation, string(replay.Status), 0)
		return
	}

	handler, ok := e.registry.Lookup(doc.Operation)
	if !ok {
		err := gkerr.New(gkerr.NoHandler, "no handler registered for operation: "+doc.Operation)
		span.RecordError(err)
		result := e.failedResult(doc, err, 0)
		_ = e.results.Save(result)
		_ = e.transport.Nack(inFlightPath, err.Error())
		RecordJobCompletion(doc.Operation, string(jobproto.StatusFailed), 0)
		return
	}

	timeout := e.DefaultTimeout
	if doc.Execution != nil && doc.Execution.TimeoutSeconds > 0 {
		timeout = time.Duration(doc.Execution.TimeoutSeconds) * time.Second
	}
	handlerCtx := spanCtx
	var cancel context.CancelFunc
	if timeout > 0 {
		handlerCtx, cancel = context.WithTimeout(spanCtx, timeout)
	}

	e.inFlightWG.Add(1)
	started := time.Now()
	result, err := handler(handlerCtx, doc)
	duration := time.Since(started)
	e.inFlightWG.Done()
	if cancel != nil {
		cancel()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler execution failed")

		timedOut := errors.Is(handlerCtx.Err(), context.DeadlineExceeded)
		cancelled := errors.Is(spanCtx.Err(), context.Canceled)
		attempt := retryAttempt(doc)
		maxRetries := 0
		if doc.Execution != nil {
			maxRetries = doc.Execution.Retries
		}

		if !timedOut && !cancelled && attempt < maxRetries {
			span.SetStatus(codes.Ok, "scheduled for retry")
			_ = e.transport.Ack(inFlightPath)
			RecordRetry(doc.Operation)
			go e.retryLater(doc, attempt+1)
			return
		}

		if result == nil {
			switch {
			case timedOut:
				result = e.terminalResult(doc, jobproto.StatusTimeout, gkerr.New(gkerr.Timeout, "handler exceeded timeout_seconds"), attempt+1)
			case cancelled:
				result = e.terminalResult(doc, jobproto.StatusCancelled, gkerr.New(gkerr.Cancelled, "job cancelled during shutdown"), attempt+1)
			default:
				result = e.failedResult(doc, err, attempt+1)
			}
		}
		_ = e.results.Save(result)
		_ = e.transport.Nack(inFlightPath, err.Error())
		RecordJobCompletion(doc.Operation, string(result.Status), duration.Seconds())
		return
	}

	span.SetStatus(codes.Ok, "")
	_ = e.results.Save(result)
	_ = e.transport.Ack(inFlightPath)
	RecordJobCompletion(doc.Operation, string(result.Status), duration.Seconds())
}

// retryAttemptKey is the JobDocument.Metadata key used to carry a
// job's retry count across resubmission; it survives re-encoding
// because Metadata is part of the protocol envelope.
const retryAttemptKey = "_guestkit_retry_attempt"

func retryAttempt(doc *jobproto.JobDocument) int {
	if doc.Metadata == nil {
		return 0
	}
	switch v := doc.Metadata[retryAttemptKey].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// retryLater resubmits doc for another attempt after a linear backoff
// proportional to attempt, the same backoff schedule the in-memory
// priority queue this runtime replaced once used.
func (e *Executor) retryLater(doc *jobproto.JobDocument, attempt int) {
	time.Sleep(time.Duration(attempt) * time.Second)
	retry := *doc
	metadata := make(map[string]any, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	metadata[retryAttemptKey] = attempt
	retry.Metadata = metadata
	_ = e.transport.Submit(&retry)
}

func (e *Executor) terminalResult(doc *jobproto.JobDocument, status jobproto.ResultStatus, err error, attempt int) *jobproto.JobResult {
	r := e.failedResult(doc, err, attempt)
	r.Status = status
	return r
}

func (e *Executor) failedResult(doc *jobproto.JobDocument, err error, attempt int) *jobproto.JobResult {
	var idempotencyKey string
	if doc.Execution != nil {
		idempotencyKey = doc.Execution.IdempotencyKey
	}
	return &jobproto.JobResult{
		JobID:       doc.JobID,
		Status:      jobproto.StatusFailed,
		CompletedAt: time.Now(),
		WorkerID:    e.workerID,
		ExecutionSummary: jobproto.ExecutionSummary{
			StartedAt: time.Now(), Attempt: attempt, IdempotencyKey: idempotencyKey,
		},
		Error: &jobproto.ResultError{Kind: string(gkerr.KindOf(err)), Message: err.Error()},
	}
}
