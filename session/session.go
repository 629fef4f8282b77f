// SPDX-License-Identifier: LGPL-3.0-or-later

// Package session implements the Inspection Handle: a stateful session
// over one or more disk images, composing the Block Provider Adapter,
// Volume Stack, Mount Graph, and Disk Reader, and enforcing the state
// machine and cleanup discipline the specification requires.
//
// The resource-list-behind-a-mutex-with-short-critical-sections shape is
// grounded on the host daemon's job manager, which holds its job map
// behind a sync.RWMutex and deep-copies on read; here the "job map" is
// instead the session's registered drives and attached resources.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"

	"guestkit/blockdev"
	"guestkit/gkerr"
	"guestkit/image"
	"guestkit/inspect"
	"guestkit/mountgraph"
	"guestkit/partition"
	"guestkit/volume"
)

// State is one state of the Inspection Handle's lifecycle.
type State string

const (
	StateConfig       State = "Config"
	StateLaunching    State = "Launching"
	StateReady        State = "Ready"
	StateBusy         State = "Busy"
	StateShuttingDown State = "ShuttingDown"
	StateClosed       State = "Closed"
	StateFailed       State = "Failed"
)

// legalTransitions enumerates the state machine's permitted edges.
// shutdown() is callable from any non-terminal state (spec §4.1), so
// every non-terminal state has an edge into ShuttingDown.
var legalTransitions = map[State][]State{
	StateConfig:       {StateLaunching, StateShuttingDown, StateFailed},
	StateLaunching:    {StateReady, StateShuttingDown, StateFailed},
	StateReady:        {StateBusy, StateShuttingDown, StateFailed},
	StateBusy:         {StateReady, StateShuttingDown, StateFailed},
	StateShuttingDown: {StateClosed, StateFailed},
	StateClosed:       {},
	StateFailed:       {},
}

func isTerminal(s State) bool { return s == StateClosed || s == StateFailed }

// Drive is a registered image plus its attach options, recorded during
// Config state.
type Drive struct {
	Path     string
	ReadOnly bool
}

// Session binds one or more Images to runtime resources: attached block
// devices, volume-stack activations, and a mount graph, under a single
// state machine.
type Session struct {
	mu    sync.Mutex
	state State

	id       string
	workDir  string
	readonly bool

	drives   []Drive
	images   map[string]*image.Image
	devices  []*blockdev.Device
	provider *blockdev.Provider
	volumes  *volume.Stack
	mounts   *mountgraph.Graph

	tables      map[string]*partition.Table
	filesystems []discoveredFS

	osRoots []OSRoot
}

// discoveredFS pairs a filesystem identified at Launch time with the
// block device it was read from.
type discoveredFS struct {
	Device string
	partition.Filesystem
}

// OSRoot is a discovered candidate guest OS root filesystem.
type OSRoot struct {
	MountPoint   string
	OSType       string
	Distribution string
	VersionMajor int
	VersionMinor int
}

// PartitionEntry tags a partition table entry with the parent device it
// was read from, for Session.ListPartitions' cross-device view.
type PartitionEntry struct {
	Device string
	partition.Entry
}

// FilesystemEntry tags a detected filesystem with the device it was
// read from, for Session.ListFilesystems' cross-device view.
type FilesystemEntry struct {
	Device string
	partition.Filesystem
}

// New creates a Session in Config state, bound to id and a fresh working
// directory under workDirParent.
func New(id, workDirParent string, provider *blockdev.Provider) (*Session, error) {
	workDir, err := os.MkdirTemp(workDirParent, "guestkit-session-"+id+"-")
	if err != nil {
		return nil, gkerr.Wrap(gkerr.NotFound, "create session work directory", err)
	}
	return &Session{
		state:    StateConfig,
		id:       id,
		workDir:  workDir,
		images:   make(map[string]*image.Image),
		provider: provider,
		volumes:  volume.NewStack(),
		mounts:   mountgraph.NewGraph(workDir),
		tables:   make(map[string]*partition.Table),
	}, nil
}

func (s *Session) ID() string    { return s.id }
func (s *Session) State() State  { return s.state }
func (s *Session) WorkDir() string { return s.workDir }

// transition moves the session to next, returning InvalidTransition if
// the edge is not legal.
func (s *Session) transition(next State) error {
	for _, allowed := range legalTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return gkerr.New(gkerr.InvalidTransition, fmt.Sprintf("%s -> %s not legal", s.state, next))
}

func (s *Session) requireState(want State) error {
	if s.state != want {
		return gkerr.New(gkerr.WrongState, fmt.Sprintf("operation requires state %s, have %s", want, s.state))
	}
	return nil
}

// AddDrive registers a drive in Config state. Rejects duplicate
// registration of the same absolute path (per the session's Open
// Question resolution, see DESIGN.md).
func (s *Session) AddDrive(path string, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateConfig); err != nil {
		return err
	}
	for _, d := range s.drives {
		if d.Path == path {
			return gkerr.New(gkerr.Validation, "drive already registered").WithContext("path", path)
		}
	}
	s.drives = append(s.drives, Drive{Path: path, ReadOnly: readOnly})
	if !readOnly {
		s.readonly = false
	} else if len(s.drives) == 1 {
		s.readonly = true
	}
	return nil
}

// Launch attaches every registered drive, discovers its block devices,
// and for each one parses a partition table (when present) and
// identifies the filesystem on every resulting volume (spec §4.2's
// Disk Reader, composed in here per §4.1's "discovery of block devices
// / partition tables / filesystems"). Partial attachment on failure is
// retained (not rolled back); the session transitions to Failed, and a
// subsequent Shutdown still releases whatever was attached.
func (s *Session) Launch(ctx context.Context) error {
	s.mu.Lock()
	if err := s.requireState(StateConfig); err != nil {
		s.mu.Unlock()
		return err
	}
	_ = s.transition(StateLaunching)
	drives := make([]Drive, len(s.drives))
	copy(drives, s.drives)
	s.mu.Unlock()

	for _, d := range drives {
		img, err := image.Detect(d.Path)
		if err != nil {
			s.fail()
			return err
		}

		dev, err := s.provider.Attach(ctx, img, d.ReadOnly)
		if err != nil {
			s.fail()
			return err
		}

		s.mu.Lock()
		s.images[d.Path] = img
		s.devices = append(s.devices, dev)
		s.mu.Unlock()

		s.discoverStorage(dev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateReady)
}

func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
}

// discoverStorage reads dev's partition table, if any, records one
// child BlockDevice per entry, and identifies the filesystem on every
// volume (the partitions, or dev itself when it carries no partition
// table at all — a whole-device filesystem). A ParseError from the
// partition reader is not fatal to Launch: plenty of real images (a
// single LUKS- or filesystem-formatted device) never had a partition
// table to begin with.
func (s *Session) discoverStorage(dev *blockdev.Device) {
	table, err := partition.Read(dev.Name)
	if err != nil {
		s.probeFilesystem(dev.Name)
		return
	}

	s.mu.Lock()
	s.tables[dev.Name] = table
	s.mu.Unlock()

	for _, e := range table.Entries {
		childName := partitionDeviceName(dev.Name, e.Index)
		child := &blockdev.Device{
			Name:     childName,
			Size:     int64(e.SizeLBA) * 512,
			ReadOnly: dev.ReadOnly,
			Parent:   dev,
		}
		s.mu.Lock()
		s.devices = append(s.devices, child)
		s.mu.Unlock()
		s.probeFilesystem(childName)
	}
}

// probeFilesystem identifies the filesystem at devicePath and records it
// if recognised; an unrecognised or unreadable volume (e.g. an
// unformatted or LUKS-encrypted partition awaiting activation) is not
// an error at discovery time.
func (s *Session) probeFilesystem(devicePath string) {
	fs, err := partition.DetectFilesystem(devicePath)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.filesystems = append(s.filesystems, discoveredFS{Device: devicePath, Filesystem: *fs})
	s.mu.Unlock()
}

// partitionDeviceName constructs the conventional kernel child-device
// name for partition index (0-based) of parent (e.g. "/dev/loop0" ->
// "/dev/loop0p1"), the naming scheme the kernel uses for loop and nbd
// devices, both of which this module's Block Provider Adapter attaches.
func partitionDeviceName(parent string, index int) string {
	return fmt.Sprintf("%sp%d", parent, index+1)
}

// ListDevices returns the block devices attached so far.
func (s *Session) ListDevices() []*blockdev.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*blockdev.Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// ListPartitions returns every partition table entry discovered at
// Launch, across every attached device, tagged with its parent device.
func (s *Session) ListPartitions() []PartitionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PartitionEntry
	for dev, table := range s.tables {
		for _, e := range table.Entries {
			out = append(out, PartitionEntry{Device: dev, Entry: e})
		}
	}
	return out
}

// PartList returns the partition table read from device at Launch.
func (s *Session) PartList(device string) (*partition.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[device]
	if !ok {
		return nil, gkerr.New(gkerr.NotFound, "no partition table recorded for device").WithContext("device", device)
	}
	return table, nil
}

// ListFilesystems returns every filesystem identified at Launch, across
// every attached device and partition.
func (s *Session) ListFilesystems() []FilesystemEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FilesystemEntry, len(s.filesystems))
	for i, fs := range s.filesystems {
		out[i] = FilesystemEntry{Device: fs.Device, Filesystem: fs.Filesystem}
	}
	return out
}

func (s *Session) filesystemByDevice(device string) (*partition.Filesystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fs := range s.filesystems {
		if fs.Device == device {
			f := fs.Filesystem
			return &f, nil
		}
	}
	return nil, gkerr.New(gkerr.NotFound, "no filesystem recorded for device").WithContext("device", device)
}

// VFSType returns the filesystem type identified on device at Launch.
func (s *Session) VFSType(device string) (string, error) {
	fs, err := s.filesystemByDevice(device)
	if err != nil {
		return "", err
	}
	return fs.Type, nil
}

// VFSLabel returns the filesystem label identified on device at Launch.
func (s *Session) VFSLabel(device string) (string, error) {
	fs, err := s.filesystemByDevice(device)
	if err != nil {
		return "", err
	}
	return fs.Label, nil
}

// VFSUUID returns the filesystem UUID identified on device at Launch.
func (s *Session) VFSUUID(device string) (string, error) {
	fs, err := s.filesystemByDevice(device)
	if err != nil {
		return "", err
	}
	return fs.UUID, nil
}

func (s *Session) deviceByName(name string) (*blockdev.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, gkerr.New(gkerr.NotFound, "no attached device with that name").WithContext("device", name)
}

// BlockDevSize returns the size in bytes of the named attached device.
func (s *Session) BlockDevSize(name string) (int64, error) {
	d, err := s.deviceByName(name)
	if err != nil {
		return 0, err
	}
	return d.Size, nil
}

// BlockDevReadOnly reports whether the named attached device was
// attached read-only.
func (s *Session) BlockDevReadOnly(name string) (bool, error) {
	d, err := s.deviceByName(name)
	if err != nil {
		return false, err
	}
	return d.ReadOnly, nil
}

// InspectOS runs the OS identity extractor against every mount currently
// in the mount graph and caches the discovered roots, implementing the
// Inspection Handle's inspect_os() (spec §4.1). A mount that carries no
// recognisable OS (a data or swap volume) is silently skipped.
func (s *Session) InspectOS(ctx context.Context) ([]OSRoot, error) {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateBusy {
		s.mu.Unlock()
		return nil, gkerr.New(gkerr.WrongState, "inspect_os requires Ready state")
	}
	s.mu.Unlock()

	var roots []OSRoot
	for _, m := range s.mounts.Entries() {
		id, err := inspect.ExtractOSIdentity(m.Target)
		if err != nil {
			continue
		}
		roots = append(roots, OSRoot{
			MountPoint:   m.Target,
			OSType:       id.OSType,
			Distribution: id.Distribution,
			VersionMajor: id.VersionMajor,
			VersionMinor: id.VersionMinor,
		})
	}

	s.mu.Lock()
	s.osRoots = roots
	s.mu.Unlock()
	return roots, nil
}

// Volumes returns a snapshot of the volume stack's activations, in
// activation order; callers needing a storage topology cross-reference
// this against ListDevices.
func (s *Session) Volumes() []volume.Activation {
	return s.volumes.Activations()
}

// Mount mounts source at target under the session root with the given
// options; rejected outside Ready/Busy. A readonly session (every
// registered drive was attached read-only) rejects any mount whose
// options don't include "ro", per the no-modification contract (§4.6).
func (s *Session) Mount(ctx context.Context, source, target string, options []string) error {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateBusy {
		s.mu.Unlock()
		return gkerr.New(gkerr.WrongState, "mount requires Ready state")
	}
	readonly := s.readonly
	s.mu.Unlock()

	if readonly && !containsOption(options, "ro") {
		return gkerr.New(gkerr.ReadOnlyViolation, "session is read-only; mount must include \"ro\"").WithContext("target", target)
	}

	_, err := s.mounts.Mount(ctx, source, target, options)
	return err
}

func containsOption(options []string, name string) bool {
	for _, opt := range options {
		if opt == name {
			return true
		}
	}
	return false
}

// MountRO mounts source read-only at target under the session root.
func (s *Session) MountRO(ctx context.Context, source, target string) error {
	return s.Mount(ctx, source, target, []string{"ro"})
}

// MountOptions mounts source at target with an explicit option set,
// subject to the same read-only session guard as Mount.
func (s *Session) MountOptions(ctx context.Context, source, target string, options []string) error {
	return s.Mount(ctx, source, target, options)
}

// Umount unmounts the single mount at target.
func (s *Session) Umount(ctx context.Context, target string) error {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateBusy {
		s.mu.Unlock()
		return gkerr.New(gkerr.WrongState, "umount requires Ready state")
	}
	s.mu.Unlock()
	return s.mounts.Umount(ctx, target)
}

// UmountAll unmounts every mount currently in the graph, in LIFO order.
func (s *Session) UmountAll(ctx context.Context) []error {
	return s.mounts.UnmountAll(ctx)
}

// LUKSOpen opens an encrypted device with the given key material and
// returns the resulting mapper device, implementing lazy activation on
// first mount request (spec §4.1, scenario 3). Rejected on read-only
// sessions since it creates a mapper device node.
func (s *Session) LUKSOpen(ctx context.Context, device, keyMaterial string) (string, error) {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateBusy {
		s.mu.Unlock()
		return "", gkerr.New(gkerr.WrongState, "luks_open requires Ready state")
	}
	s.mu.Unlock()
	mapperPath, err := s.volumes.LUKSOpen(ctx, device, keyMaterial)
	if err != nil {
		return "", err
	}
	s.probeFilesystem(mapperPath)
	return mapperPath, nil
}

// VGActivateAll activates every volume group visible to the session's
// attached devices, implementing lazy activation for scenario 2 (QCOW2
// + LVM).
func (s *Session) VGActivateAll(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateBusy {
		s.mu.Unlock()
		return nil, gkerr.New(gkerr.WrongState, "vg_activate_all requires Ready state")
	}
	s.mu.Unlock()
	return s.volumes.VGActivateAll(ctx)
}

// MDAssemble assembles the MD/RAID array rooted at device.
func (s *Session) MDAssemble(ctx context.Context, device string) error {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateBusy {
		s.mu.Unlock()
		return gkerr.New(gkerr.WrongState, "md_assemble requires Ready state")
	}
	s.mu.Unlock()
	return s.volumes.MDAssemble(ctx, device)
}

// DeactivateVolume tears down the single named volume-stack activation
// (luks_close, vg_deactivate, and friends) ahead of full session
// shutdown.
func (s *Session) DeactivateVolume(ctx context.Context, name string) error {
	return s.volumes.Deactivate(ctx, name)
}

// ReadOnly reports whether this session rejects modifying operations.
func (s *Session) ReadOnly() bool { return s.readonly }

// Shutdown runs teardown in strict reverse order: unmount every mount,
// deactivate every volume activation, detach every attached block
// device, remove the session work directory. Every step is attempted
// even if earlier steps fail; failures are aggregated, not fatal to
// subsequent steps. Runs from every state except Closed, including
// Failed; once Closed, further calls return nil.
func (s *Session) Shutdown(ctx context.Context) []error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateFailed {
		// A failed Launch keeps whatever it attached; tear that down too.
		s.state = StateShuttingDown
	} else {
		_ = s.transition(StateShuttingDown)
	}
	devices := make([]*blockdev.Device, len(s.devices))
	copy(devices, s.devices)
	s.mu.Unlock()

	var errs []error

	if unmountErrs := s.mounts.UnmountAll(ctx); len(unmountErrs) > 0 {
		errs = append(errs, unmountErrs...)
	}

	if volErrs := s.volumes.TeardownAll(ctx); len(volErrs) > 0 {
		errs = append(errs, volErrs...)
	}

	for i := len(devices) - 1; i >= 0; i-- {
		if err := s.provider.Detach(ctx, devices[i]); err != nil {
			errs = append(errs, err)
		}
	}

	_ = os.RemoveAll(s.workDir)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = nil
	// Teardown always terminates in Closed (spec §4.1): every step is
	// attempted regardless of earlier failures, and aggregated errors are
	// reported to the caller, not used to flip the terminal state.
	_ = s.transition(StateClosed)
	return errs
}

// Close implements a best-effort teardown path for sessions dropped
// without an explicit Shutdown call.
func (s *Session) Close() error {
	errs := s.Shutdown(context.Background())
	if len(errs) > 0 {
		return fmt.Errorf("session close: %d teardown errors: %v", len(errs), errs[0])
	}
	return nil
}
