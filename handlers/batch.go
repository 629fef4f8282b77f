// SPDX-License-Identifier: LGPL-3.0-or-later

package handlers

import (
	"context"
	"time"

	"guestkit/batch"
	"guestkit/blockdev"
	"guestkit/cache"
	"guestkit/jobproto"
)

// BatchPayload is the decoded data of a "guestkit.batch_inspect.v1"
// payload: a list of images to inspect with the same option set, plus
// the scheduler's own fan-out controls.
type BatchPayload struct {
	Images []struct {
		Path   string `json:"path"`
		SHA256 string `json:"sha256,omitempty"`
	} `json:"images"`
	Options struct {
		IncludePackages bool `json:"include_packages"`
		IncludeServices bool `json:"include_services"`
		IncludeUsers    bool `json:"include_users"`
		IncludeNetwork  bool `json:"include_network"`
		IncludeSecurity bool `json:"include_security"`
		IncludeStorage  bool `json:"include_storage"`
		IncludeBoot     bool `json:"include_boot"`
		IncludeJournal  bool `json:"include_journal"`
	} `json:"options"`
	// Workers bounds concurrent inspections; zero means all cores (§4.8).
	Workers int `json:"workers"`
	// ContinueOnError keeps processing remaining images after a failure.
	ContinueOnError bool `json:"continue_on_error"`
}

// BatchResult is one image's outcome within a batch_inspect run.
type BatchResult struct {
	Path       string `json:"path"`
	DurationMS int64  `json:"duration_ms"`
	Report     any    `json:"report,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BatchSummary is the aggregated outcome of a batch_inspect run.
type BatchSummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []BatchResult `json:"results"`
}

// BatchInspectHandler fans InspectHandler's per-image inspection out
// across the Batch Scheduler's worker pool (spec §4.8), reusing the
// same handler a single guestkit.inspect job would run so results are
// identical whether an image is inspected alone or as part of a batch.
type BatchInspectHandler struct {
	inspectHandler *InspectHandler
}

func NewBatchInspectHandler(provider *blockdev.Provider, sessionRoot string) *BatchInspectHandler {
	return &BatchInspectHandler{inspectHandler: NewInspectHandler(provider, sessionRoot)}
}

// WithCache attaches a content-addressed cache to the underlying
// InspectHandler and returns h for chaining at construction time.
func (h *BatchInspectHandler) WithCache(c *cache.Cache) *BatchInspectHandler {
	h.inspectHandler.WithCache(c)
	return h
}

func (h *BatchInspectHandler) Name() string         { return "batch_inspect" }
func (h *BatchInspectHandler) Operations() []string { return []string{"guestkit.batch_inspect"} }

func (h *BatchInspectHandler) Execute(ctx context.Context, progress ProgressFunc, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
	started := time.Now()
	progress("start", "batch_inspect")

	var payload BatchPayload
	if err := decodePayload(doc.Payload.Data, &payload); err != nil {
		return nil, err
	}

	paths := make([]string, len(payload.Images))
	shaByPath := make(map[string]string, len(payload.Images))
	for i, img := range payload.Images {
		paths[i] = img.Path
		shaByPath[img.Path] = img.SHA256
	}

	progress("running", "fanning out image inspections")
	inspectOne := func(itemCtx context.Context, path string) (any, error) {
		itemPayload := InspectPayload{}
		itemPayload.Image.Path = path
		itemPayload.Image.SHA256 = shaByPath[path]
		itemPayload.Options.IncludePackages = payload.Options.IncludePackages
		itemPayload.Options.IncludeServices = payload.Options.IncludeServices
		itemPayload.Options.IncludeUsers = payload.Options.IncludeUsers
		itemPayload.Options.IncludeNetwork = payload.Options.IncludeNetwork
		itemPayload.Options.IncludeSecurity = payload.Options.IncludeSecurity
		itemPayload.Options.IncludeStorage = payload.Options.IncludeStorage
		itemPayload.Options.IncludeBoot = payload.Options.IncludeBoot
		itemPayload.Options.IncludeJournal = payload.Options.IncludeJournal

		itemDoc := *doc
		itemDoc.Payload = jobproto.Payload{Type: "guestkit.inspect.v1", Data: itemPayload}
		result, err := h.inspectHandler.Execute(itemCtx, func(string, string) {}, &itemDoc)
		if err != nil {
			return nil, err
		}
		return result.Outputs.Data, nil
	}

	batchResults := batch.Run(ctx, paths, inspectOne, batch.Options{
		Workers:         payload.Workers,
		ContinueOnError: payload.ContinueOnError,
		Progress: func(completed, total int) {
			progress("running", "batch progress")
		},
	})

	summary := batch.Summarize(batchResults)
	out := BatchSummary{Total: summary.Total, Succeeded: summary.Succeeded, Failed: summary.Failed}
	for _, r := range batchResults {
		br := BatchResult{Path: r.Path, DurationMS: r.Duration.Milliseconds(), Report: r.Output}
		if r.Err != nil {
			br.Error = r.Err.Error()
		}
		out.Results = append(out.Results, br)
	}

	result := &jobproto.JobResult{
		JobID:       doc.JobID,
		Status:      jobproto.StatusCompleted,
		CompletedAt: time.Now(),
		ExecutionSummary: jobproto.ExecutionSummary{
			StartedAt:    started,
			DurationSecs: time.Since(started).Seconds(),
			Attempt:      1,
		},
		Outputs: jobproto.Outputs{Data: out},
	}
	progress("completed", "batch_inspect")
	return result, nil
}
