// SPDX-License-Identifier: LGPL-3.0-or-later

package inspect

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"guestkit/gkerr"
)

// BootBlameEntry is one "time unit-name" line from systemd-analyze
// blame-style output.
type BootBlameEntry struct {
	Unit    string
	Seconds float64
}

// BootReport summarises boot performance.
type BootReport struct {
	Entries         []BootBlameEntry
	TotalSeconds    float64
	Recommendations []string
}

var blameLineRe = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)(ms|s)\s+(\S+)\s*$`)

const (
	totalThresholdSeconds = 30.0
	unitThresholdSeconds  = 3.0
)

// ParseBootBlame parses blame-style output, tolerating both "s" and "ms"
// suffixes and fractional seconds, and derives fixed-threshold
// recommendations.
func ParseBootBlame(output string) BootReport {
	var report BootReport
	for _, line := range strings.Split(output, "\n") {
		m := blameLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if m[2] == "ms" {
			value /= 1000.0
		}
		entry := BootBlameEntry{Unit: m[3], Seconds: value}
		report.Entries = append(report.Entries, entry)
		report.TotalSeconds += value

		if value > unitThresholdSeconds {
			report.Recommendations = append(report.Recommendations,
				"unit "+entry.Unit+" took over 3s to activate; consider deferring or disabling it")
		}
	}
	if report.TotalSeconds > totalThresholdSeconds {
		report.Recommendations = append(report.Recommendations, "total boot time exceeds 30s")
	}
	return report
}

// bootBlameExportPath is the well-known location under a guest root
// where a pre-exported "systemd-analyze blame" capture is expected, per
// spec's "implementation may use a pre-exported text form."
const bootBlameExportPath = "var/log/guestkit/boot-blame.txt"

// ExtractBootBlame reads the pre-exported boot blame capture under root
// and parses it. Absence of the export file is reported as NotFound so
// Run can skip the section rather than fail the whole report.
func ExtractBootBlame(root string) (*BootReport, error) {
	data, err := os.ReadFile(filepath.Join(root, bootBlameExportPath))
	if err != nil {
		return nil, gkerr.Wrap(gkerr.NotFound, "read boot blame export", err)
	}
	report := ParseBootBlame(string(data))
	return &report, nil
}
