// SPDX-License-Identifier: LGPL-3.0-or-later

package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"guestkit/inspect"
)

func TestCheckRootLoginPermittedFlagsYes(t *testing.T) {
	report := &inspect.Report{Security: &inspect.SecurityPosture{SSHPermitRootLogin: "yes"}}
	findings := checkRootLoginPermitted(report)
	assert.Len(t, findings, 1)
	assert.Equal(t, SeverityHigh, findings[0].Severity)
}

func TestCheckRootLoginPermittedSilentWhenNo(t *testing.T) {
	report := &inspect.Report{Security: &inspect.SecurityPosture{SSHPermitRootLogin: "no"}}
	findings := checkRootLoginPermitted(report)
	assert.Empty(t, findings)
}

func TestCheckWeakSSHAuthReferencesComplianceControls(t *testing.T) {
	report := &inspect.Report{Security: &inspect.SecurityPosture{SSHPasswordAuth: "yes"}}
	findings := checkWeakSSHAuth(report)
	assert.Len(t, findings, 1)
	assert.Contains(t, findings[0].References, "PCI-DSS-2.2.4")
}

func TestCheckMandatoryAccessControlFlagsNeither(t *testing.T) {
	report := &inspect.Report{Security: &inspect.SecurityPosture{SELinuxMode: "disabled", AppArmorPresent: false}}
	findings := checkMandatoryAccessControl(report)
	assert.Len(t, findings, 1)
	assert.Contains(t, findings[0].References, "CIS-1.6.1.1")
}

func TestCheckMandatoryAccessControlSilentWhenAppArmorPresent(t *testing.T) {
	report := &inspect.Report{Security: &inspect.SecurityPosture{SELinuxMode: "disabled", AppArmorPresent: true}}
	findings := checkMandatoryAccessControl(report)
	assert.Empty(t, findings)
}

func TestCheckWorldWritableDirsFlagsNonEmpty(t *testing.T) {
	report := &inspect.Report{Security: &inspect.SecurityPosture{WorldWritableDirs: []string{"/tmp/x"}}}
	findings := checkWorldWritableDirs(report)
	assert.Len(t, findings, 1)
	assert.Equal(t, SeverityLow, findings[0].Severity)
}

func TestNewProfileHandlerRegistersAllNamedProfiles(t *testing.T) {
	h := NewProfileHandler(nil, "")
	for _, name := range []string{"security", "compliance", "hardening"} {
		assert.NotEmpty(t, h.profiles[name], "profile %q should have at least one check", name)
	}
}
