// SPDX-License-Identifier: LGPL-3.0-or-later

package jobproto

import "time"

// ResultStatus is the closed set of terminal job states.
type ResultStatus string

const (
	StatusCompleted ResultStatus = "completed"
	StatusFailed    ResultStatus = "failed"
	StatusTimeout   ResultStatus = "timeout"
	StatusCancelled ResultStatus = "cancelled"
)

// ExecutionSummary records what actually happened during a job's run.
type ExecutionSummary struct {
	StartedAt      time.Time `json:"started_at"`
	DurationSecs   float64   `json:"duration_seconds"`
	Attempt        int       `json:"attempt"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Outputs bundles a result's artifact paths and optional inline data.
type Outputs struct {
	Artifacts []string `json:"artifacts,omitempty"`
	Data      any      `json:"data,omitempty"`
}

// ResultError captures a failed job's error kind and message.
type ResultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// JobResult is the terminal record of one job execution, written
// atomically to "<job_id>-result.<ext>" and cached by idempotency key.
type JobResult struct {
	JobID            string           `json:"job_id"`
	Status           ResultStatus     `json:"status"`
	CompletedAt      time.Time        `json:"completed_at"`
	WorkerID         string           `json:"worker_id"`
	ExecutionSummary ExecutionSummary `json:"execution_summary"`
	Outputs          Outputs          `json:"outputs"`
	Error            *ResultError     `json:"error,omitempty"`
}
