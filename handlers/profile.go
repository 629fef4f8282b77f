// SPDX-License-Identifier: LGPL-3.0-or-later

package handlers

import (
	"context"
	"time"

	"guestkit/blockdev"
	"guestkit/inspect"
	"guestkit/jobproto"
)

// Severity is the closed set of finding severities.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is one profile check's output.
type Finding struct {
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Remediation string   `json:"remediation,omitempty"`
	References  []string `json:"references,omitempty"`
}

// ProfileReport is a superset of an inspect.Report plus the accumulated
// findings from every requested profile.
type ProfileReport struct {
	Report   *inspect.Report `json:"report"`
	Findings []Finding       `json:"findings"`
}

// Check is one named profile rule evaluated against an inspect.Report.
type Check func(report *inspect.Report) []Finding

// ProfileHandler runs Inspect followed by a findings pass: each named
// profile (security, compliance, hardening) is a list of Checks.
type ProfileHandler struct {
	inspectHandler *InspectHandler
	profiles       map[string][]Check
}

func NewProfileHandler(provider *blockdev.Provider, sessionRoot string) *ProfileHandler {
	return &ProfileHandler{
		inspectHandler: NewInspectHandler(provider, sessionRoot),
		profiles: map[string][]Check{
			"security":    {checkRootLoginPermitted, checkWeakSSHAuth, checkMandatoryAccessControl},
			"compliance":  {checkWeakSSHAuth, checkWorldWritableDirs},
			"hardening":   {checkRootLoginPermitted, checkMandatoryAccessControl, checkWorldWritableDirs},
		},
	}
}

func (h *ProfileHandler) Name() string         { return "profile" }
func (h *ProfileHandler) Operations() []string { return []string{"guestkit.profile"} }

func (h *ProfileHandler) Execute(ctx context.Context, progress ProgressFunc, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
	started := time.Now()
	progress("start", "profile")

	inspectResult, err := h.inspectHandler.Execute(ctx, progress, doc)
	if err != nil {
		return nil, err
	}
	report, _ := inspectResult.Outputs.Data.(*inspect.Report)

	var payload struct {
		Profiles []string `json:"profiles"`
	}
	_ = decodePayload(doc.Payload.Data, &payload)
	if len(payload.Profiles) == 0 {
		payload.Profiles = []string{"security"}
	}

	progress("running", "evaluating profile checks")
	var findings []Finding
	for _, name := range payload.Profiles {
		for _, check := range h.profiles[name] {
			findings = append(findings, check(report)...)
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
		Outputs: jobproto.Outputs{Data: ProfileReport{Report: report, Findings: findings}},
	}
	progress("completed", "profile")
	return result, nil
}

func checkRootLoginPermitted(report *inspect.Report) []Finding {
	if report == nil || report.Security == nil {
		return nil
	}
	if report.Security.SSHPermitRootLogin == "yes" {
		return []Finding{{
			Severity:    SeverityHigh,
			Title:       "SSH root login permitted",
			Description: "sshd_config allows PermitRootLogin yes",
			Remediation: "Set PermitRootLogin to no or prohibit-password",
			References:  []string{"CIS-5.2.8"},
		}}
	}
	return nil
}

func checkWeakSSHAuth(report *inspect.Report) []Finding {
	if report == nil || report.Security == nil {
		return nil
	}
	if report.Security.SSHPasswordAuth == "yes" {
		return []Finding{{
			Severity:    SeverityMedium,
			Title:       "SSH password authentication enabled",
			Description: "sshd_config allows PasswordAuthentication yes",
			Remediation: "Disable password auth in favor of key-based auth",
			References:  []string{"CIS-5.2.10", "PCI-DSS-2.2.4"},
		}}
	}
	return nil
}

func checkMandatoryAccessControl(report *inspect.Report) []Finding {
	if report == nil || report.Security == nil {
		return nil
	}
	if report.Security.SELinuxMode == "disabled" && !report.Security.AppArmorPresent {
		return []Finding{{
			Severity:    SeverityMedium,
			Title:       "No mandatory access control enabled",
			Description: "SELinux is disabled and no AppArmor profile directory is present",
			Remediation: "Enable SELinux enforcing mode or install AppArmor profiles",
			References:  []string{"CIS-1.6.1.1"},
		}}
	}
	return nil
}

func checkWorldWritableDirs(report *inspect.Report) []Finding {
	if report == nil || report.Security == nil || len(report.Security.WorldWritableDirs) == 0 {
		return nil
	}
	return []Finding{{
		Severity:    SeverityLow,
		Title:       "World-writable directories present",
		Description: "found world-writable directories within the scanned depth",
		Remediation: "Review and remove the world-writable bit from directories that do not require it",
		References:  []string{"CIS-1.1.22"},
	}}
}
