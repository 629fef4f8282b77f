// SPDX-License-Identifier: LGPL-3.0-or-later

// Package handlers implements the thin Operation Handlers that
// translate a job payload into a session program: Echo, Inspect,
// Profile, BatchInspect, and Migrate. The handler shape (Name/Operations/Execute) is adapted
// from the teacher's daemon/exporters.ExporterFactory's
// Export/Method/Validate interface, generalised from an export-method
// factory to an operation-tag registry.
package handlers

import (
	"context"
	"time"

	"guestkit/jobproto"
)

// Handler is the common capability set every operation handler
// implements. Handlers hold no shared mutable state.
type Handler interface {
	Name() string
	Operations() []string
	Execute(ctx context.Context, progress ProgressFunc, doc *jobproto.JobDocument) (*jobproto.JobResult, error)
}

// ProgressFunc reports a named progress event mid-execution; handlers
// must emit at least a start, one mid-run, and a completion event.
type ProgressFunc func(phase string, detail string)

// EchoHandler trivially passes its payload through, used for
// transport and registry testing.
type EchoHandler struct{}

func NewEchoHandler() *EchoHandler { return &EchoHandler{} }

func (h *EchoHandler) Name() string           { return "echo" }
func (h *EchoHandler) Operations() []string   { return []string{"system.echo"} }

func (h *EchoHandler) Execute(ctx context.Context, progress ProgressFunc, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
	started := time.Now()
	progress("start", "echo")
	progress("running", "passthrough")

	result := &jobproto.JobResult{
		JobID:       doc.JobID,
		Status:      jobproto.StatusCompleted,
		CompletedAt: time.Now(),
		ExecutionSummary: jobproto.ExecutionSummary{
			StartedAt:    started,
			DurationSecs: time.Since(started).Seconds(),
			Attempt:      1,
		},
		Outputs: jobproto.Outputs{Data: doc.Payload.Data},
	}
	progress("completed", "echo")
	return result, nil
}
