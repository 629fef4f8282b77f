// SPDX-License-Identifier: LGPL-3.0-or-later

package inspect

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// SecurityPosture summarises security-relevant guest configuration.
type SecurityPosture struct {
	SSHPermitRootLogin     string
	SSHPasswordAuth        string
	SELinuxMode            string
	AppArmorPresent        bool
	WorldWritableDirs      []string
}

const worldWritableScanDepth = 3

// ExtractSecurityPosture inspects sshd_config, SELinux config, AppArmor
// presence, and world-writable directories within a bounded depth.
func ExtractSecurityPosture(root string) (*SecurityPosture, error) {
	posture := &SecurityPosture{}

	if f, err := os.Open(filepath.Join(root, "etc", "ssh", "sshd_config")); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			switch strings.ToLower(fields[0]) {
			case "permitrootlogin":
				posture.SSHPermitRootLogin = fields[1]
			case "passwordauthentication":
				posture.SSHPasswordAuth = fields[1]
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(root, "etc", "selinux", "config")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok && strings.EqualFold(k, "SELINUX") {
				posture.SELinuxMode = v
			}
		}
	}

	if _, err := os.Stat(filepath.Join(root, "etc", "apparmor.d")); err == nil {
		posture.AppArmorPresent = true
	}

	posture.WorldWritableDirs = scanWorldWritable(root, worldWritableScanDepth)
	return posture, nil
}

func scanWorldWritable(root string, maxDepth int) []string {
	var dirs []string
	var walk func(path string, depth int)
	walk = func(path string, depth int) {
		if depth > maxDepth {
			return
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			full := filepath.Join(path, e.Name())
			info, err := e.Info()
			if err == nil && info.Mode().Perm()&0o002 != 0 {
				dirs = append(dirs, full)
			}
			walk(full, depth+1)
		}
	}
	walk(root, 0)
	return dirs
}
