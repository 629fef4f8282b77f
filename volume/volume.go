// SPDX-License-Identifier: LGPL-3.0-or-later

// Package volume implements the Volume Stack: LUKS, LVM volume-group,
// and MD/RAID activation/deactivation, each recorded as an append-only
// Activation list torn down in strict LIFO order. Multipath and bcache
// exist only as Kind values; no function here activates them.
//
// The VolumeType and Permissions enums mirror the single-character
// lv_attr codes in LVM's own `lvs`/`vgs` output (as modelled by the
// topolvm project's lvmd command layer); nothing in this package parses
// lv_attr strings into them. The activation/teardown bookkeeping is grounded on the
// sendense volume daemon's VolumeOperation/DeviceMapping model, adapted
// from a cross-process operation log into an in-process ordered list.
package volume

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"guestkit/gkerr"
)

// Kind identifies a layer of the volume stack.
type Kind string

const (
	KindLUKS      Kind = "luks"
	KindLVMVG     Kind = "lvm-vg"
	KindMD        Kind = "md"
	KindMultipath Kind = "multipath"
	KindBcache    Kind = "bcache"
)

// VolumeType mirrors LVM's single-character lv_attr volume-type codes
// (lvs/vgs output column 1), grounded on topolvm's command-layer enum.
type VolumeType rune

const (
	VolumeTypeMirrored VolumeType = 'm'
	VolumeTypeOrigin   VolumeType = 'o'
	VolumeTypeRAID     VolumeType = 'r'
	VolumeTypeSnapshot VolumeType = 's'
	VolumeTypeThin     VolumeType = 'V'
	VolumeTypeThinPool VolumeType = 't'
	VolumeTypeNone     VolumeType = '-'
)

// Permissions mirrors lv_attr column 2.
type Permissions rune

const (
	PermWriteable Permissions = 'w'
	PermReadOnly  Permissions = 'r'
	PermNone      Permissions = '-'
)

// Activation is one entry in the volume stack's append-only list: a
// logical block layer activated on top of one or more child devices,
// carrying whatever is needed to tear it down again.
type Activation struct {
	Kind     Kind
	Name     string   // mapper name, VG name, md device, etc.
	Children []string // child block device paths
	Teardown func(ctx context.Context) error
}

// Stack is the ordered, append-only record of everything activated
// during one session. Activate appends; Deactivate pops from the end.
type Stack struct {
	mu         sync.Mutex
	activated  []Activation
}

func NewStack() *Stack { return &Stack{} }

// LUKSOpen opens device with keyMaterial (a passphrase string) and
// returns the resulting mapper device name. luks_format/add_key/uuid are
// modifying operations and are rejected by the caller on readonly
// sessions, not here.
func (s *Stack) LUKSOpen(ctx context.Context, device, keyMaterial string) (string, error) {
	mapperName := fmt.Sprintf("guestkit-%d", time.Now().UnixNano())

	cmd := exec.CommandContext(ctx, "cryptsetup", "open", device, mapperName)
	cmd.Stdin = newPassphraseReader(keyMaterial)
	if err := cmd.Run(); err != nil {
		return "", gkerr.Wrap(gkerr.VolumeError, "luks_open failed", err).WithContext("device", device)
	}

	mapperPath := "/dev/mapper/" + mapperName
	s.push(Activation{
		Kind:     KindLUKS,
		Name:     mapperName,
		Children: []string{device},
		Teardown: func(ctx context.Context) error {
			return exec.CommandContext(ctx, "cryptsetup", "close", mapperName).Run()
		},
	})
	return mapperPath, nil
}

// VGActivateAll scans for volume groups and activates every one found,
// making their LVs appear as block devices.
func (s *Stack) VGActivateAll(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "vgs", "--noheadings", "-o", "vg_name").Output()
	if err != nil {
		return nil, gkerr.Wrap(gkerr.VolumeError, "vg_scan failed", err)
	}
	names := parseLines(out)

	for _, name := range names {
		if err := exec.CommandContext(ctx, "vgchange", "-ay", name).Run(); err != nil {
			return nil, gkerr.Wrap(gkerr.VolumeError, "vg_activate failed", err).WithContext("vg", name)
		}
		vgName := name
		s.push(Activation{
			Kind: KindLVMVG,
			Name: vgName,
			Teardown: func(ctx context.Context) error {
				return exec.CommandContext(ctx, "vgchange", "-an", vgName).Run()
			},
		})
	}
	return names, nil
}

// MDAssemble follows the identical activation/teardown discipline: it
// records one Activation with an explicit teardown closure.
func (s *Stack) MDAssemble(ctx context.Context, device string) error {
	if err := exec.CommandContext(ctx, "mdadm", "--assemble", device).Run(); err != nil {
		return gkerr.Wrap(gkerr.VolumeError, "md assemble failed", err)
	}
	s.push(Activation{
		Kind: KindMD,
		Name: device,
		Teardown: func(ctx context.Context) error {
			return exec.CommandContext(ctx, "mdadm", "--stop", device).Run()
		},
	})
	return nil
}

func (s *Stack) push(a Activation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = append(s.activated, a)
}

// Deactivate tears down the single named activation ahead of session
// shutdown (luks_close, vg_deactivate, and friends) and removes it from
// the stack so TeardownAll does not attempt it again.
func (s *Stack) Deactivate(ctx context.Context, name string) error {
	s.mu.Lock()
	idx := -1
	for i, a := range s.activated {
		if a.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return gkerr.New(gkerr.NotFound, "no activation with that name").WithContext("name", name)
	}
	a := s.activated[idx]
	s.activated = append(s.activated[:idx], s.activated[idx+1:]...)
	s.mu.Unlock()

	if a.Teardown == nil {
		return nil
	}
	if err := a.Teardown(ctx); err != nil {
		return gkerr.Wrap(gkerr.VolumeError, fmt.Sprintf("deactivate %s %s", a.Kind, a.Name), err)
	}
	return nil
}

// TeardownAll pops every activation in LIFO order, attempting every step
// even after an earlier one fails, and aggregates errors (P11).
func (s *Stack) TeardownAll(ctx context.Context) []error {
	s.mu.Lock()
	activations := s.activated
	s.activated = nil
	s.mu.Unlock()

	var errs []error
	for i := len(activations) - 1; i >= 0; i-- {
		a := activations[i]
		if a.Teardown == nil {
			continue
		}
		if err := a.Teardown(ctx); err != nil {
			errs = append(errs, gkerr.Wrap(gkerr.VolumeError, fmt.Sprintf("teardown %s %s", a.Kind, a.Name), err))
		}
	}
	return errs
}

// Activations returns a snapshot of the current stack, in activation
// order.
func (s *Stack) Activations() []Activation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Activation, len(s.activated))
	copy(out, s.activated)
	return out
}
