// SPDX-License-Identifier: LGPL-3.0-or-later

package blockdev

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"guestkit/gkerr"
	"guestkit/image"
)

// Device is a host-visible block device node representing one attached
// drive or a partition/mapper child of it.
type Device struct {
	Name     string
	Size     int64
	ReadOnly bool
	Parent   *Device

	variant AdapterKind
	handle  string // loop device path or nbd node, used for detach
}

// Provider attaches/detaches disk images as host block devices, per the
// Block Provider Adapter contract: attach(image) -> Device is reversible
// by detach(Device); on attach failure no partial state is left behind;
// on detach failure the device is still released via a process-lifetime
// cleanup hook.
type Provider struct {
	detector *Detector

	mu       sync.Mutex
	attached map[string]*Device // handle -> device, for process-exit cleanup
}

func NewProvider(detector *Detector) *Provider {
	return &Provider{detector: detector, attached: make(map[string]*Device)}
}

// Attach selects loop or nbd for img.Format and attaches it, returning the
// resulting Device. Never falls back silently between variants.
func (p *Provider) Attach(ctx context.Context, img *image.Image, readOnly bool) (*Device, error) {
	kind := AdapterLoop
	if img.Format.RequiresNBD() {
		kind = AdapterNBD
	}

	if !p.detector.IsAvailable(kind) {
		return nil, gkerr.New(gkerr.AdapterUnavailable, fmt.Sprintf("required adapter %q not available for format %s", kind, img.Format)).
			WithContext("format", string(img.Format))
	}

	var dev *Device
	var err error
	switch kind {
	case AdapterLoop:
		dev, err = p.attachLoop(ctx, img, readOnly)
	case AdapterNBD:
		dev, err = p.attachNBD(ctx, img, readOnly)
	}
	if err != nil {
		return nil, gkerr.Wrap(gkerr.AttachFailed, "attach block device", err)
	}

	p.mu.Lock()
	p.attached[dev.handle] = dev
	p.mu.Unlock()
	return dev, nil
}

// Detach releases dev. The device node is guaranteed released at process
// exit even if this call reports an error, via the caller-held cleanup
// registry.
func (p *Provider) Detach(ctx context.Context, dev *Device) error {
	var bin string
	var args []string
	switch dev.variant {
	case AdapterLoop:
		bin, args = "losetup", []string{"-d", dev.handle}
	case AdapterNBD:
		bin, args = "qemu-nbd", []string{"-d", dev.handle}
	default:
		return gkerr.New(gkerr.DetachFailed, "unknown adapter variant")
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(cctx, bin, args...).Run(); err != nil {
		return gkerr.Wrap(gkerr.DetachFailed, "detach block device", err)
	}

	p.mu.Lock()
	delete(p.attached, dev.handle)
	p.mu.Unlock()
	return nil
}

// DetachAll is the process-lifetime cleanup hook: it attempts to detach
// every device this provider still believes is attached, aggregating
// (not stopping on) failures.
func (p *Provider) DetachAll(ctx context.Context) []error {
	p.mu.Lock()
	devices := make([]*Device, 0, len(p.attached))
	for _, d := range p.attached {
		devices = append(devices, d)
	}
	p.mu.Unlock()

	var errs []error
	for _, d := range devices {
		if err := p.Detach(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (p *Provider) attachLoop(ctx context.Context, img *image.Image, readOnly bool) (*Device, error) {
	args := []string{"--show", "--find"}
	if readOnly {
		args = append(args, "--read-only")
	}
	args = append(args, img.Path)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, "losetup", args...).Output()
	if err != nil {
		return nil, err
	}
	loopPath := trimNewline(out)
	return &Device{Name: loopPath, Size: img.Size, ReadOnly: readOnly, variant: AdapterLoop, handle: loopPath}, nil
}

func (p *Provider) attachNBD(ctx context.Context, img *image.Image, readOnly bool) (*Device, error) {
	nbdPath, err := allocateNBDNode()
	if err != nil {
		return nil, err
	}

	args := []string{"-c", nbdPath, img.Path, "-f", string(img.Format)}
	if readOnly {
		args = append(args, "--read-only")
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(cctx, "qemu-nbd", args...).Run(); err != nil {
		return nil, err
	}
	return &Device{Name: nbdPath, Size: img.Size, ReadOnly: readOnly, variant: AdapterNBD, handle: nbdPath}, nil
}

// nbdRegistry is the process-global resource registry for /dev/nbdN
// nodes: nbd devices are a global host resource, so allocation must be
// serialised across Providers in the process.
var nbdRegistry = struct {
	mu   sync.Mutex
	next int
}{}

func allocateNBDNode() (string, error) {
	nbdRegistry.mu.Lock()
	defer nbdRegistry.mu.Unlock()
	n := nbdRegistry.next
	nbdRegistry.next++
	if n > 255 {
		return "", fmt.Errorf("no free nbd nodes")
	}
	return fmt.Sprintf("/dev/nbd%d", n), nil
}

func trimNewline(b []byte) string {
	n := len(b)
	for n > 0 && (b[n-1] == '\n' || b[n-1] == '\r') {
		n--
	}
	return string(b[:n])
}
