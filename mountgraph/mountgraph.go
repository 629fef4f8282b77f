// SPDX-License-Identifier: LGPL-3.0-or-later

// Package mountgraph implements the Mount Graph: ordered mounts under a
// per-session root, with LIFO teardown and an fstab-driven discovery
// assist.
package mountgraph

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"guestkit/gkerr"
)

// Entry is one mount in the graph: (source device, target path under
// the session root, options, ordinal).
type Entry struct {
	Source   string
	Target   string
	Options  []string
	Ordinal  int
}

// Graph is the ordered list of mounts established under one session's
// root directory.
type Graph struct {
	Root    string
	entries []Entry
	next    int
}

func NewGraph(root string) *Graph {
	return &Graph{Root: root}
}

// Mount adds target under the graph's root. Targets outside the session
// root, and option strings that would split into additional options via
// an embedded separator, are rejected.
func (g *Graph) Mount(ctx context.Context, source, target string, options []string) (*Entry, error) {
	absTarget := filepath.Join(g.Root, target)
	rel, err := filepath.Rel(g.Root, absTarget)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, gkerr.New(gkerr.MountFailed, "mount target escapes session root").WithContext("target", target)
	}
	for _, opt := range options {
		if strings.ContainsAny(opt, ",\n\x00") {
			return nil, gkerr.New(gkerr.MountFailed, "mount option contains illegal separator").WithContext("option", opt)
		}
	}

	args := []string{source, absTarget}
	if len(options) > 0 {
		args = append([]string{"-o", strings.Join(options, ",")}, args...)
	}
	if err := exec.CommandContext(ctx, "mount", args...).Run(); err != nil {
		return nil, gkerr.Wrap(gkerr.MountFailed, "mount failed", err).WithContext("source", source).WithContext("target", absTarget)
	}

	e := Entry{Source: source, Target: absTarget, Options: options, Ordinal: g.next}
	g.next++
	g.entries = append(g.entries, e)

	if containsOption(options, "ro") {
		if err := VerifyReadOnly(absTarget); err != nil {
			return nil, err
		}
	}

	return &g.entries[len(g.entries)-1], nil
}

func containsOption(options []string, name string) bool {
	for _, opt := range options {
		if opt == name {
			return true
		}
	}
	return false
}

// VerifyReadOnly confirms the filesystem mounted at target actually
// carries the kernel's read-only flag (ST_RDONLY). A filesystem driver
// that silently ignores "-o ro" would otherwise defeat the read-only
// guarantee a Session promises for every drive it attaches; this closes
// that gap directly against the kernel rather than trusting mount(8)'s
// exit code.
func VerifyReadOnly(target string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(target, &st); err != nil {
		return gkerr.Wrap(gkerr.MountFailed, "statfs mount target", err).WithContext("target", target)
	}
	if st.Flags&unix.ST_RDONLY == 0 {
		return gkerr.New(gkerr.ReadOnlyViolation, "mount target is not read-only").WithContext("target", target)
	}
	return nil
}

// Entries returns a snapshot of the current mount list in ordinal order.
func (g *Graph) Entries() []Entry {
	out := make([]Entry, len(g.entries))
	copy(out, g.entries)
	return out
}

// Umount unmounts the single entry mounted at target and removes it
// from the graph, leaving the ordinal order of the remaining entries
// untouched. Unlike UnmountAll this is not a teardown sweep: it fails
// outright (rather than retrying lazily) if the kernel reports the
// target busy, matching a caller-driven "undo this one mount" request.
func (g *Graph) Umount(ctx context.Context, target string) error {
	absTarget := filepath.Join(g.Root, target)
	idx := -1
	for i, e := range g.entries {
		if e.Target == absTarget {
			idx = i
			break
		}
	}
	if idx == -1 {
		return gkerr.New(gkerr.NotFound, "no mount entry for target").WithContext("target", absTarget)
	}

	if err := exec.CommandContext(ctx, "umount", absTarget).Run(); err != nil {
		return gkerr.Wrap(gkerr.UnmountFailed, "unmount failed", err).WithContext("target", absTarget)
	}
	g.entries = append(g.entries[:idx], g.entries[idx+1:]...)
	return nil
}

// UnmountAll unmounts every entry in reverse ordinal order. EBUSY is
// ignored on the first pass; a second pass retries with lazy unmount
// after a brief backoff. Teardown continues past failures and reports
// aggregated errors.
func (g *Graph) UnmountAll(ctx context.Context) []error {
	pending := make([]Entry, len(g.entries))
	copy(pending, g.entries)
	g.entries = nil

	var failed []Entry
	for i := len(pending) - 1; i >= 0; i-- {
		e := pending[i]
		if err := exec.CommandContext(ctx, "umount", e.Target).Run(); err != nil {
			failed = append(failed, e)
		}
	}

	if len(failed) == 0 {
		return nil
	}

	time.Sleep(200 * time.Millisecond)
	var errs []error
	for _, e := range failed {
		if err := exec.CommandContext(ctx, "umount", "-l", e.Target).Run(); err != nil {
			errs = append(errs, gkerr.Wrap(gkerr.UnmountFailed, "unmount failed", err).WithContext("target", e.Target))
		}
	}
	return errs
}

// FstabEntry is one parsed line of /etc/fstab.
type FstabEntry struct {
	Device     string
	MountPoint string
	FSType     string
	Options    []string
	Dump       int
	Pass       int
}

// ProposeFromFstab parses fstab content and returns a topologically
// sorted mount list (mount points sorted by path depth so parents mount
// before children). The caller, not this package, drives actual
// mounting.
func ProposeFromFstab(content string) []FstabEntry {
	var entries []FstabEntry
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		e := FstabEntry{Device: fields[0], MountPoint: fields[1], FSType: fields[2], Options: strings.Split(fields[3], ",")}
		entries = append(entries, e)
	}

	sortByDepth(entries)
	return entries
}

func sortByDepth(entries []FstabEntry) {
	depth := func(p string) int { return strings.Count(filepath.Clean(p), "/") }
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && depth(entries[j].MountPoint) < depth(entries[j-1].MountPoint); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
