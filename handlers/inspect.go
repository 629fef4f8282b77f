// SPDX-License-Identifier: LGPL-3.0-or-later

package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"guestkit/blockdev"
	"guestkit/cache"
	"guestkit/gkerr"
	"guestkit/image"
	"guestkit/inspect"
	"guestkit/jobproto"
	"guestkit/session"
)

// InspectPayload is the decoded data of a "guestkit.inspect.v1"
// payload.
type InspectPayload struct {
	Image struct {
		Path     string `json:"path"`
		Format   string `json:"format,omitempty"`
		SHA256   string `json:"sha256,omitempty"`
	} `json:"image"`
	Options struct {
		IncludePackages bool `json:"include_packages"`
		IncludeServices bool `json:"include_services"`
		IncludeUsers    bool `json:"include_users"`
		IncludeNetwork  bool `json:"include_network"`
		IncludeSecurity bool `json:"include_security"`
		IncludeStorage  bool `json:"include_storage"`
		IncludeBoot     bool `json:"include_boot"`
		IncludeJournal  bool `json:"include_journal"`
		// ForceRefresh skips the cache on read but still updates it on
		// write, per §4.7's "forced refresh" caller request.
		ForceRefresh bool `json:"force_refresh"`
	} `json:"options"`
}

func decodePayload(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return gkerr.Wrap(gkerr.Validation, "re-marshal payload data", err)
	}
	return json.Unmarshal(raw, out)
}

// InspectHandler validates the image reference, opens a read-only
// Session, runs the Inspection Pipeline restricted to the requested
// option flags, and serialises the resulting Report.
//
// When a Cache is attached, a run first checks the cache keyed on the
// image's (path, size, mtime); a hit skips the session/pipeline
// entirely (§4.7, P5/P6, scenario 7). Cache is optional: a nil cache
// disables the shortcut without otherwise changing behavior.
type InspectHandler struct {
	provider    *blockdev.Provider
	sessionRoot string
	cache       *cache.Cache
}

func NewInspectHandler(provider *blockdev.Provider, sessionRoot string) *InspectHandler {
	return &InspectHandler{provider: provider, sessionRoot: sessionRoot}
}

// WithCache attaches a content-addressed cache to h and returns h for
// chaining at construction time.
func (h *InspectHandler) WithCache(c *cache.Cache) *InspectHandler {
	h.cache = c
	return h
}

func (h *InspectHandler) Name() string         { return "inspect" }
func (h *InspectHandler) Operations() []string { return []string{"guestkit.inspect"} }

func (h *InspectHandler) Execute(ctx context.Context, progress ProgressFunc, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
	started := time.Now()
	progress("start", "inspect")

	var payload InspectPayload
	if err := decodePayload(doc.Payload.Data, &payload); err != nil {
		return nil, err
	}
	if payload.Image.Path == "" {
		return nil, gkerr.New(gkerr.Validation, "image.path is required")
	}

	if payload.Image.SHA256 != "" {
		if err := verifyChecksum(payload.Image.Path, payload.Image.SHA256); err != nil {
			return nil, err
		}
	}

	if h.cache != nil && !payload.Options.ForceRefresh {
		if info, statErr := os.Stat(payload.Image.Path); statErr == nil {
			var cached inspect.Report
			if getErr := h.cache.Get(payload.Image.Path, info.Size(), info.ModTime(), &cached); getErr == nil {
				progress("running", "serving cached report")
				progress("completed", "cache hit")
				return &jobproto.JobResult{
					JobID:       doc.JobID,
					Status:      jobproto.StatusCompleted,
					CompletedAt: time.Now(),
					ExecutionSummary: jobproto.ExecutionSummary{
						StartedAt:    started,
						DurationSecs: time.Since(started).Seconds(),
						Attempt:      1,
					},
					Outputs: jobproto.Outputs{Data: &cached},
				}, nil
			}
		}
	}

	sess, err := session.New(doc.JobID, h.sessionRoot, h.provider)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.AddDrive(payload.Image.Path, true); err != nil {
		return nil, err
	}

	progress("running", "launching session")
	if err := sess.Launch(ctx); err != nil {
		return nil, err
	}

	progress("running", "mounting guest filesystems")
	if err := mountGuestRoot(ctx, sess); err != nil {
		return nil, err
	}

	progress("running", "extracting guest facts")
	report, err := inspect.Run(sess.WorkDir(), inspect.Options{
		IncludePackages: payload.Options.IncludePackages,
		IncludeServices: payload.Options.IncludeServices,
		IncludeUsers:    payload.Options.IncludeUsers,
		IncludeNetwork:  payload.Options.IncludeNetwork,
		IncludeSecurity: payload.Options.IncludeSecurity,
		IncludeStorage:  payload.Options.IncludeStorage,
		IncludeBoot:     payload.Options.IncludeBoot,
		IncludeJournal:  payload.Options.IncludeJournal,
	})
	if err != nil {
		return nil, err
	}

	if payload.Options.IncludeStorage {
		report.Storage = buildStorageTopology(sess)
	}

	if h.cache != nil {
		if info, statErr := os.Stat(payload.Image.Path); statErr == nil {
			_ = h.cache.Set(payload.Image.Path, info.Size(), info.ModTime(), report)
		}
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
		Outputs: jobproto.Outputs{Data: report},
	}
	progress("completed", "inspect")
	return result, nil
}

// mountGuestRoot mounts the first non-swap filesystem discovered at
// Launch read-only at the session root, so inspect.Run reads guest
// content rather than the host filesystem (§4.6: extractors only ever
// read under the mount graph). Volume-group and LUKS activation is a
// caller-driven step ahead of this (scenarios 2 and 3); a plain
// single-partition or whole-disk image needs no such step and mounts
// directly off what Launch already discovered.
func mountGuestRoot(ctx context.Context, sess *session.Session) error {
	for _, fs := range sess.ListFilesystems() {
		if fs.Type == "swap" {
			continue
		}
		return sess.MountRO(ctx, fs.Device, "/")
	}
	return gkerr.New(gkerr.NotFound, "no mountable guest filesystem discovered")
}

// buildStorageTopology lists the session's attached block devices with,
// under each, the names of the volume-stack activations recorded
// against it, for Report.Storage. The result is one level deep (see
// inspect.BuildStorageTopology).
func buildStorageTopology(sess *session.Session) []*inspect.StorageNode {
	var physical []string
	for _, dev := range sess.ListDevices() {
		physical = append(physical, dev.Name)
	}

	activationsByParent := make(map[string][]string)
	for _, act := range sess.Volumes() {
		for _, child := range act.Children {
			activationsByParent[child] = append(activationsByParent[child], act.Name)
		}
	}

	return inspect.BuildStorageTopology(physical, activationsByParent)
}

func verifyChecksum(path, expectedHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return gkerr.Wrap(gkerr.NotFound, "open image for checksum", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return gkerr.Wrap(gkerr.ParseError, "read image for checksum", err)
	}
	actual := fmt.Sprintf("%x", h.Sum(nil))
	if actual != expectedHex {
		return gkerr.New(gkerr.Validation, "image checksum mismatch")
	}
	return nil
}

// DetectFormat reports the on-disk format of the image at path. No
// handler in this package calls it, and payload.Image.Format is not
// compared against the detected format.
func DetectFormat(path string) (image.Format, error) {
	img, err := image.Detect(path)
	if err != nil {
		return image.FormatUnknown, err
	}
	return img.Format, nil
}
