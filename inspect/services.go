// SPDX-License-Identifier: LGPL-3.0-or-later

package inspect

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Service is one parsed systemd unit.
type Service struct {
	Name     string
	Enabled  bool
	Requires []string
	Wants    []string
	After    []string
	Before   []string
}

const maxDependencyDepth = 10

// ExtractServices parses the systemd unit files under etc/systemd/system
// and usr/lib/systemd/system. It does not build the dependency graph;
// DependencyGraph does that from the returned Services.
func ExtractServices(root string) ([]Service, error) {
	unitDirs := []string{
		filepath.Join(root, "etc", "systemd", "system"),
		filepath.Join(root, "usr", "lib", "systemd", "system"),
	}

	services := make(map[string]Service)
	for _, dir := range unitDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".service") {
				continue
			}
			svc, err := parseUnitFile(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			svc.Enabled = isEnabled(root, e.Name())
			services[svc.Name] = svc
		}
	}

	out := make([]Service, 0, len(services))
	for _, s := range services {
		out = append(out, s)
	}
	return out, nil
}

func parseUnitFile(path string) (Service, error) {
	f, err := os.Open(path)
	if err != nil {
		return Service{}, err
	}
	defer f.Close()

	svc := Service{Name: filepath.Base(path)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		list := strings.Fields(v)
		switch strings.TrimSpace(k) {
		case "Requires":
			svc.Requires = append(svc.Requires, list...)
		case "Wants":
			svc.Wants = append(svc.Wants, list...)
		case "After":
			svc.After = append(svc.After, list...)
		case "Before":
			svc.Before = append(svc.Before, list...)
		}
	}
	return svc, nil
}

func isEnabled(root, unitName string) bool {
	wantsGlob := filepath.Join(root, "etc", "systemd", "system", "*.wants", unitName)
	matches, _ := filepath.Glob(wantsGlob)
	return len(matches) > 0
}

// DependencyGraph builds a bounded-depth dependency tree rooted at name,
// using Requires/Wants/After edges, and terminates on any input
// including a cyclic one (P10): a visited-set cuts cycles and a fixed
// depth bound cuts pathological chains.
func DependencyGraph(services []Service, root string) []string {
	byName := make(map[string]Service, len(services))
	for _, s := range services {
		byName[s.Name] = s
	}

	visited := make(map[string]bool)
	var order []string
	var walk func(name string, depth int)
	walk = func(name string, depth int) {
		if depth > maxDependencyDepth || visited[name] {
			return
		}
		visited[name] = true
		order = append(order, name)
		svc, ok := byName[name]
		if !ok {
			return
		}
		for _, dep := range append(append(append([]string{}, svc.Requires...), svc.Wants...), svc.After...) {
			walk(dep, depth+1)
		}
	}
	walk(root, 0)
	return order
}
