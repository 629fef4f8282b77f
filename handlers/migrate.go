// SPDX-License-Identifier: LGPL-3.0-or-later

package handlers

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"guestkit/blockdev"
	"guestkit/gkerr"
	"guestkit/inspect"
	"guestkit/jobproto"
	"guestkit/session"
)

// MigratePayload is the decoded data of a "guestkit.migrate.v1"
// payload: rewrite /etc/fstab and /etc/crypttab on the guest by
// (old device -> new device) replacement (spec §4.6's migration
// rewriter).
type MigratePayload struct {
	Image struct {
		Path string `json:"path"`
	} `json:"image"`
	Mappings []struct {
		OldDevice string `json:"old_device"`
		NewDevice string `json:"new_device"`
	} `json:"mappings"`
}

// MigrateResult reports which guest files were rewritten.
type MigrateResult struct {
	RewrittenFiles []string `json:"rewritten_files"`
}

// migrationTargetFiles are the guest configuration files the migration
// rewriter updates in place, per spec §4.6.
var migrationTargetFiles = []string{"etc/fstab", "etc/crypttab"}

// MigrateHandler opens a read-write Session on the image, rewrites
// device references in /etc/fstab and /etc/crypttab, and reports which
// files were changed. Rejected outright on a read-only session (the
// drive itself was registered read-only), matching RewriteFstab's own
// guard.
type MigrateHandler struct {
	provider    *blockdev.Provider
	sessionRoot string
}

func NewMigrateHandler(provider *blockdev.Provider, sessionRoot string) *MigrateHandler {
	return &MigrateHandler{provider: provider, sessionRoot: sessionRoot}
}

func (h *MigrateHandler) Name() string         { return "migrate" }
func (h *MigrateHandler) Operations() []string { return []string{"guestkit.migrate"} }

func (h *MigrateHandler) Execute(ctx context.Context, progress ProgressFunc, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
	started := time.Now()
	progress("start", "migrate")

	var payload MigratePayload
	if err := decodePayload(doc.Payload.Data, &payload); err != nil {
		return nil, err
	}
	if payload.Image.Path == "" {
		return nil, gkerr.New(gkerr.Validation, "image.path is required")
	}

	mappings := make([]inspect.DeviceMapping, len(payload.Mappings))
	for i, m := range payload.Mappings {
		mappings[i] = inspect.DeviceMapping{OldDevice: m.OldDevice, NewDevice: m.NewDevice}
	}

	sess, err := session.New(doc.JobID, h.sessionRoot, h.provider)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.AddDrive(payload.Image.Path, false); err != nil {
		return nil, err
	}

	progress("running", "launching session")
	if err := sess.Launch(ctx); err != nil {
		return nil, err
	}

	progress("running", "mounting guest filesystem")
	var mountErr error = gkerr.New(gkerr.NotFound, "no mountable guest filesystem discovered")
	for _, fs := range sess.ListFilesystems() {
		if fs.Type != "swap" {
			mountErr = sess.MountOptions(ctx, fs.Device, "/", []string{"rw"})
			break
		}
	}
	if mountErr != nil {
		return nil, mountErr
	}

	progress("running", "rewriting device references")
	var rewritten []string
	for _, rel := range migrationTargetFiles {
		path := filepath.Join(sess.WorkDir(), rel)
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}

		updated, rewriteErr := inspect.RewriteFstab(string(content), mappings, sess.ReadOnly())
		if rewriteErr != nil {
			return nil, rewriteErr
		}
		if updated == string(content) {
			continue
		}
		if err := inspect.WriteFstab(path, updated, sess.ReadOnly()); err != nil {
			return nil, err
		}
		rewritten = append(rewritten, rel)
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
		Outputs: jobproto.Outputs{Data: MigrateResult{RewrittenFiles: rewritten}},
	}
	progress("completed", "migrate")
	return result, nil
}
