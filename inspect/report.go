// SPDX-License-Identifier: LGPL-3.0-or-later

package inspect

import "time"

// Options selects which extractors a Report run includes (mirrors the
// Inspect handler's payload option flags).
//
// IncludeStorage is not handled by Run: the storage topology needs the
// session's attached devices and volume-stack activations, which are
// not a function of root alone. The Inspect handler populates
// Report.Storage itself via BuildStorageTopology once Run returns.
type Options struct {
	IncludePackages bool
	IncludeServices bool
	IncludeUsers    bool
	IncludeNetwork  bool
	IncludeSecurity bool
	IncludeStorage  bool
	IncludeBoot     bool
	IncludeJournal  bool
}

// Report is the immutable, serialisable output of one inspection run
// against a single OS root.
type Report struct {
	GeneratedAt time.Time
	OSRoot      OSIdentity
	Packages    []Package `json:",omitempty"`
	Services    []Service `json:",omitempty"`
	Users       []Account `json:",omitempty"`
	Network     *NetworkReport `json:",omitempty"`
	Security    *SecurityPosture `json:",omitempty"`
	Storage     []*StorageNode `json:",omitempty"`
	Boot        *BootReport `json:",omitempty"`
	Journal     *JournalSummary `json:",omitempty"`
}

// Run composes every selected extractor as a pure function of (root,
// options) and returns their combined results.
func Run(root string, opts Options) (*Report, error) {
	osID, err := ExtractOSIdentity(root)
	if err != nil {
		return nil, err
	}

	report := &Report{GeneratedAt: time.Now(), OSRoot: *osID}

	if opts.IncludePackages {
		if pkgs, err := ExtractPackages(root); err == nil {
			report.Packages = pkgs
		}
	}
	if opts.IncludeServices {
		if svcs, err := ExtractServices(root); err == nil {
			report.Services = svcs
		}
	}
	if opts.IncludeUsers {
		if users, err := ExtractUsers(root); err == nil {
			report.Users = users
		}
	}
	if opts.IncludeNetwork {
		if net, err := ExtractNetwork(root); err == nil {
			report.Network = net
		}
	}
	if opts.IncludeSecurity {
		if sec, err := ExtractSecurityPosture(root); err == nil {
			report.Security = sec
		}
	}
	if opts.IncludeBoot {
		if boot, err := ExtractBootBlame(root); err == nil {
			report.Boot = boot
		}
	}
	if opts.IncludeJournal {
		if journal, err := ExtractJournal(root); err == nil {
			report.Journal = journal
		}
	}

	return report, nil
}
