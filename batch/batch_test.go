// SPDX-License-Identifier: LGPL-3.0-or-later

package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPreservesOrderAcrossWorkers(t *testing.T) {
	paths := []string{"a", "b", "c", "d", "e"}
	results := Run(context.Background(), paths, func(ctx context.Context, path string) (any, error) {
		return path + "-done", nil
	}, Options{Workers: 3})

	require.Len(t, results, len(paths))
	for i, p := range paths {
		assert.Equal(t, p, results[i].Path)
		assert.Equal(t, p+"-done", results[i].Output)
	}
}

func TestRunContinueOnErrorRunsRemaining(t *testing.T) {
	paths := []string{"ok1", "fail", "ok2"}
	results := Run(context.Background(), paths, func(ctx context.Context, path string) (any, error) {
		if path == "fail" {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}, Options{Workers: 1, ContinueOnError: true})

	summary := Summarize(results)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunPerImageTimeout(t *testing.T) {
	results := Run(context.Background(), []string{"slow"}, func(ctx context.Context, path string) (any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return "finished", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, Options{Workers: 1, PerImageTimeout: 10 * time.Millisecond})

	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestRunProgressCallbackFiresPerImage(t *testing.T) {
	var calls int32
	paths := []string{"a", "b", "c"}
	Run(context.Background(), paths, func(ctx context.Context, path string) (any, error) {
		return nil, nil
	}, Options{Workers: 2, Progress: func(completed, total int) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, len(paths), total)
	}})

	assert.Equal(t, int32(len(paths)), atomic.LoadInt32(&calls))
}
