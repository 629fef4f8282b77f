// SPDX-License-Identifier: LGPL-3.0-or-later

package inspect

import (
	"os"
	"path/filepath"
	"strings"

	"guestkit/gkerr"
)

// JournalEntry is one parsed systemd journal line from a text-exported
// journal in the "<priority> <unit>: <message>" line format.
type JournalEntry struct {
	Unit     string
	Priority int
	Message  string
}

// JournalSummary aggregates journal entries by priority and unit.
type JournalSummary struct {
	Total         int
	Errors        int // priority <= 3
	Warnings      int // priority == 4
	ByUnit        map[string]int
}

// SummarizeJournal filters entries and produces counts. minPriority and
// maxPriority bound the considered range (numerically, syslog priority:
// lower is more severe); pass (0, 7) for no filtering.
func SummarizeJournal(entries []JournalEntry, minPriority, maxPriority int) JournalSummary {
	summary := JournalSummary{ByUnit: make(map[string]int)}
	for _, e := range entries {
		if e.Priority < minPriority || e.Priority > maxPriority {
			continue
		}
		summary.Total++
		summary.ByUnit[e.Unit]++
		switch {
		case e.Priority <= 3:
			summary.Errors++
		case e.Priority == 4:
			summary.Warnings++
		}
	}
	return summary
}

// ParseTextJournal parses a pre-exported text journal where each line is
// "<priority> <unit>: <message>".
func ParseTextJournal(text string) []JournalEntry {
	var entries []JournalEntry
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		prio := 6
		switch fields[0] {
		case "0", "1", "2", "3", "4", "5", "6", "7":
			prio = int(fields[0][0] - '0')
		}
		unit, msg, _ := strings.Cut(fields[1], ": ")
		entries = append(entries, JournalEntry{Unit: unit, Priority: prio, Message: msg})
	}
	return entries
}

// journalExportPath is the well-known location under a guest root where
// a pre-exported text journal (the line format ParseTextJournal reads)
// is expected, mirroring bootBlameExportPath's convention.
const journalExportPath = "var/log/guestkit/journal-export.txt"

// ExtractJournal reads the pre-exported text journal under root, parses
// it, and summarises the full priority range (0-7, no filtering).
// Absence of the export file is reported as NotFound so Run can skip
// the section rather than fail the whole report.
func ExtractJournal(root string) (*JournalSummary, error) {
	data, err := os.ReadFile(filepath.Join(root, journalExportPath))
	if err != nil {
		return nil, gkerr.Wrap(gkerr.NotFound, "read journal export", err)
	}
	entries := ParseTextJournal(string(data))
	summary := SummarizeJournal(entries, 0, 7)
	return &summary, nil
}
