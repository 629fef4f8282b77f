// SPDX-License-Identifier: LGPL-3.0-or-later

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guestkit/jobproto"
	"guestkit/logger"
)

func readResultFile(t *testing.T, exec *Executor, jobID string) (string, error) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(exec.results.resultsDir, jobID+"-result.json"))
	if err != nil {
		return "", err
	}
	var result jobproto.JobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return "", err
	}
	return string(result.Status), nil
}

func newTestExecutor(t *testing.T, handler Handler, operation string) (*Executor, *Transport) {
	t.Helper()
	root := t.TempDir()
	transport, err := NewTransport(root, logger.New("error"))
	require.NoError(t, err)
	t.Cleanup(func() { transport.Close() })

	results, err := OpenResultStore(filepath.Join(root, "results"), filepath.Join(root, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	tracing, err := NewTracingProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)

	registry := NewHandlerRegistry()
	registry.Register(operation, handler)

	exec := NewExecutor(transport, registry, results, tracing, "test-worker", nil)
	return exec, transport
}

func TestExecutorTimeoutTerminalState(t *testing.T) {
	slow := func(ctx context.Context, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	exec, transport := newTestExecutor(t, slow, "system.echo")

	doc := jobproto.New(jobproto.KindVMOperation, "system.echo", jobproto.Payload{Type: "system.echo.v1", Data: map[string]any{"message": "hi"}})
	doc.Execution = &jobproto.ExecutionPolicy{TimeoutSeconds: 1, IdempotencyKey: "timeout-key"}
	require.NoError(t, transport.Submit(doc))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	fetched, inFlight, err := transport.FetchNext(ctx)
	require.NoError(t, err)

	exec.handleOne(context.Background(), fetched, inFlight)

	data, err := readResultFile(t, exec, fetched.JobID)
	require.NoError(t, err)
	assert.Equal(t, string(jobproto.StatusTimeout), data)
}

func TestExecutorIdempotentReplaySkipsHandler(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
		calls++
		return &jobproto.JobResult{
			JobID:  doc.JobID,
			Status: jobproto.StatusCompleted,
			ExecutionSummary: jobproto.ExecutionSummary{
				IdempotencyKey: doc.Execution.IdempotencyKey,
			},
		}, nil
	}
	exec, transport := newTestExecutor(t, handler, "system.echo")

	doc := jobproto.New(jobproto.KindVMOperation, "system.echo", jobproto.Payload{Type: "system.echo.v1", Data: map[string]any{"message": "hi"}})
	doc.Execution = &jobproto.ExecutionPolicy{IdempotencyKey: "K1"}
	require.NoError(t, transport.Submit(doc))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fetched, inFlight, err := transport.FetchNext(ctx)
	require.NoError(t, err)
	exec.handleOne(context.Background(), fetched, inFlight)
	require.Equal(t, 1, calls)

	// Resubmit the same idempotency key under a new job id; the cached
	// result must satisfy the replay without a second handler call.
	replay := jobproto.New(jobproto.KindVMOperation, "system.echo", jobproto.Payload{Type: "system.echo.v1", Data: map[string]any{"message": "hi"}})
	replay.Execution = &jobproto.ExecutionPolicy{IdempotencyKey: "K1"}
	require.NoError(t, transport.Submit(replay))

	fetched2, inFlight2, err := transport.FetchNext(ctx)
	require.NoError(t, err)
	exec.handleOne(context.Background(), fetched2, inFlight2)
	assert.Equal(t, 1, calls, "handler must not be invoked again for a cached idempotency key")

	// The replay's own job_id must have its own result file, not just
	// the original run's.
	result, ok, err := exec.results.Lookup("K1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, replay.JobID, result.JobID)
	_, err = os.Stat(exec.results.resultPath(replay.JobID))
	assert.NoError(t, err, "replay must be persisted under its own job_id")
}

func TestExecutorRetriesBeforeTerminalFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	handlerErr := errors.New("handler failure")
	handler := func(ctx context.Context, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, handlerErr
	}
	exec, transport := newTestExecutor(t, handler, "system.echo")

	doc := jobproto.New(jobproto.KindVMOperation, "system.echo", jobproto.Payload{Type: "system.echo.v1"})
	doc.Execution = &jobproto.ExecutionPolicy{Retries: 2, IdempotencyKey: "retry-key"}
	require.NoError(t, transport.Submit(doc))

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		fetched, inFlight, err := transport.FetchNext(ctx)
		require.NoError(t, err)
		exec.handleOne(context.Background(), fetched, inFlight)
		if i < 2 {
			// a retry is resubmitted asynchronously after a backoff
			// proportional to the attempt number; wait it out before the
			// next fetch.
			time.Sleep(time.Duration(i+1)*time.Second + 200*time.Millisecond)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls, "handler should run once per attempt up to retries+1")
}

func TestExecutorNoHandlerFails(t *testing.T) {
	exec, transport := newTestExecutor(t, func(ctx context.Context, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
		return nil, nil
	}, "system.echo")

	doc := jobproto.New(jobproto.KindVMOperation, "guestkit.unregistered", jobproto.Payload{Type: "guestkit.unregistered.v1"})
	require.NoError(t, transport.Submit(doc))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fetched, inFlight, err := transport.FetchNext(ctx)
	require.NoError(t, err)

	exec.handleOne(context.Background(), fetched, inFlight)
}
