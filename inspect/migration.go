// SPDX-License-Identifier: LGPL-3.0-or-later

package inspect

import (
	"os"
	"strings"

	"guestkit/gkerr"
)

// DeviceMapping maps an old device reference to its replacement, used by
// the migration rewriter to update /etc/fstab and /etc/crypttab.
type DeviceMapping struct {
	OldDevice string
	NewDevice string
}

// RewriteFstab rewrites device references in fstab/crypttab-style
// content by exact (old value -> new value) replacement, preserving
// options, comments, and line ordering. Entries that reference a
// filesystem label or UUID rather than a device path are left unchanged
// unless mappings explicitly cover that key (spec's default).
func RewriteFstab(content string, mappings []DeviceMapping, readOnly bool) (string, error) {
	if readOnly {
		return "", gkerr.New(gkerr.ReadOnlyViolation, "migration rewriter rejected on readonly session")
	}

	byOld := make(map[string]string, len(mappings))
	for _, m := range mappings {
		byOld[m.OldDevice] = m.NewDevice
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		// fstab carries the device in its first field, crypttab in its second.
		for _, f := range fields[:min(len(fields), 2)] {
			if newVal, ok := byOld[f]; ok {
				lines[i] = strings.Replace(line, f, newVal, 1)
				break
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

// WriteFstab persists the rewritten content back to path.
func WriteFstab(path, content string, readOnly bool) error {
	if readOnly {
		return gkerr.New(gkerr.ReadOnlyViolation, "write rejected on readonly session")
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
