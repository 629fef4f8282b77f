// SPDX-License-Identifier: LGPL-3.0-or-later

// Package jobproto implements the frozen v1.0 Job Protocol envelope:
// JobDocument submission, ExecutionPolicy, Constraints, and the typed
// Payload wrapper, plus JobResult. Unknown top-level envelope fields
// survive a deserialise/serialise round-trip (P9) through
// JobDocument.Extra, and everything under payload.data survives because
// Data is decoded generically; keys of the payload object other than
// type and data are dropped.
//
// job_id minting is grounded on the teacher's daemon/jobs.Manager,
// which mints ids with uuid.New().String() on submission; this package
// prefixes that id with a sortable creation-time component, since no
// ULID library exists anywhere in the reference pack.
package jobproto

import (
	"encoding/base32"
	"encoding/binary"
	"strings"
	"time"

	"github.com/google/uuid"

	"guestkit/gkerr"
)

// Kind enumerates the closed set of job kinds accepted by the protocol.
type Kind string

const (
	KindVMOperation Kind = "VMOperation"
	KindBatch       Kind = "Batch"
	KindMaintenance Kind = "Maintenance"
)

var validKinds = map[Kind]bool{KindVMOperation: true, KindBatch: true, KindMaintenance: true}

// ProtocolVersion is the only version this build accepts.
const ProtocolVersion = "1.0"

// NewJobID mints a globally unique, creation-time-sortable job id in
// the form "<unix-nano-base32>-<uuid>".
func NewJobID() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
	prefix := strings.ToLower(base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(buf[:]))
	return prefix + "-" + uuid.New().String()
}

// ExecutionPolicy controls how a job is scheduled and retried.
type ExecutionPolicy struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	Retries        int    `json:"retries,omitempty"`
}

// Constraints bound where/how a job may run.
type Constraints struct {
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	WorkerPool           string   `json:"worker_pool,omitempty"`
	AffinityHints        []string `json:"affinity_hints,omitempty"`
}

// Observability carries trace/correlation ids threaded through
// executor spans and log lines.
type Observability struct {
	TraceID       string `json:"trace_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Payload wraps a namespaced, versioned type tag around opaque typed
// data.
type Payload struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// JobDocument is the frozen v1.0 envelope. Unknown top-level fields
// are retained in Extra and re-emitted on MarshalJSON.
type JobDocument struct {
	Version       string           `json:"version"`
	JobID         string           `json:"job_id"`
	CreatedAt     time.Time        `json:"created_at"`
	Kind          Kind             `json:"kind"`
	Operation     string           `json:"operation"`
	Execution     *ExecutionPolicy `json:"execution,omitempty"`
	Constraints   *Constraints     `json:"constraints,omitempty"`
	Payload       Payload          `json:"payload"`
	Observability *Observability   `json:"observability,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`

	Extra map[string]any `json:"-"`
}

// New builds a JobDocument with a freshly minted job id and the
// current timestamp.
func New(kind Kind, operation string, payload Payload) *JobDocument {
	return &JobDocument{
		Version:   ProtocolVersion,
		JobID:     NewJobID(),
		CreatedAt: time.Now(),
		Kind:      kind,
		Operation: operation,
		Payload:   payload,
	}
}

// Validate enforces the pre-execution checks from the protocol: version
// match, job id length, closed kind set, namespaced operation and
// payload type, and capability subset (checked by the caller passing
// the worker's advertised set).
func (d *JobDocument) Validate(advertisedCapabilities []string) error {
	if d.Version != ProtocolVersion {
		return gkerr.New(gkerr.Validation, "unsupported job document version: "+d.Version)
	}
	if len(d.JobID) < 8 {
		return gkerr.New(gkerr.Validation, "job_id must be at least 8 characters")
	}
	if !validKinds[d.Kind] {
		return gkerr.New(gkerr.Validation, "kind is not in the closed set: "+string(d.Kind))
	}
	if !strings.Contains(d.Operation, ".") {
		return gkerr.New(gkerr.Validation, "operation must be namespaced as <tool>.<verb>: "+d.Operation)
	}
	if !strings.Contains(d.Payload.Type, ".v") {
		return gkerr.New(gkerr.Validation, "payload.type must be namespaced with a version suffix: "+d.Payload.Type)
	}
	if d.Constraints != nil && len(d.Constraints.RequiredCapabilities) > 0 {
		advertised := make(map[string]bool, len(advertisedCapabilities))
		for _, c := range advertisedCapabilities {
			advertised[c] = true
		}
		for _, req := range d.Constraints.RequiredCapabilities {
			if !advertised[req] {
				return gkerr.New(gkerr.Validation, "required capability not advertised by worker: "+req)
			}
		}
	}
	return nil
}
