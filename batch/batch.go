// SPDX-License-Identifier: LGPL-3.0-or-later

// Package batch implements the Batch Scheduler: it fans a fixed-size
// worker pool out across a list of images, running each through a
// caller-supplied inspection function under a per-image timeout, and
// reports overall progress.
//
// The goroutine-per-item/channel-collect/WaitGroup shutdown shape is
// grounded on the host daemon's concurrent capability detector, which
// probes N independent candidates the same way a batch probes N
// independent images.
package batch

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Result is the outcome of inspecting one image.
type Result struct {
	Path     string
	Output   any
	Err      error
	Duration time.Duration
}

// InspectFunc runs one image's inspection to completion or until ctx is
// cancelled.
type InspectFunc func(ctx context.Context, path string) (any, error)

// ProgressFunc is invoked after each image completes, with the running
// completed count and the fixed total.
type ProgressFunc func(completed, total int)

// Options configures a batch run.
type Options struct {
	// Workers bounds concurrent inspections. Zero means all cores.
	Workers int
	// PerImageTimeout bounds a single image's inspection. Zero means no
	// timeout.
	PerImageTimeout time.Duration
	// ContinueOnError keeps processing remaining images after a
	// failure; when false, a failing image cancels the remaining queue.
	ContinueOnError bool
	// Progress is called after each image completes, from the worker
	// goroutine that finished it while holding the run's lock, so calls
	// never overlap.
	Progress ProgressFunc
}

// Run inspects every path in paths according to opts and returns one
// Result per input path, in the same order as paths regardless of
// completion order.
func Run(ctx context.Context, paths []string, inspect InspectFunc, opts Options) []Result {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	results := make([]Result, len(paths))
	jobs := make(chan int)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		failFast  bool
	)

	worker := func() {
		defer wg.Done()
		for idx := range jobs {
			path := paths[idx]

			itemCtx := runCtx
			var itemCancel context.CancelFunc
			if opts.PerImageTimeout > 0 {
				itemCtx, itemCancel = context.WithTimeout(runCtx, opts.PerImageTimeout)
			}

			start := time.Now()
			out, err := inspect(itemCtx, path)
			if itemCancel != nil {
				itemCancel()
			}

			mu.Lock()
			results[idx] = Result{Path: path, Output: out, Err: err, Duration: time.Since(start)}
			completed++
			n := completed
			if err != nil && !opts.ContinueOnError {
				failFast = true
				cancel()
			}
			if opts.Progress != nil {
				opts.Progress(n, len(paths))
			}
			mu.Unlock()
		}
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}

	for idx := range paths {
		mu.Lock()
		stop := failFast
		mu.Unlock()
		if stop {
			break
		}
		select {
		case jobs <- idx:
		case <-runCtx.Done():
			break
		}
	}
	close(jobs)
	wg.Wait()

	return results
}

// Summary aggregates Run's results.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Summarize computes a Summary over results, treating a zero-value
// Result (never scheduled because of a fail-fast abort) as neither
// succeeded nor failed.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Path == "":
			continue
		case r.Err != nil:
			s.Failed++
		default:
			s.Succeeded++
		}
	}
	return s
}
