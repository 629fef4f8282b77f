// SPDX-License-Identifier: LGPL-3.0-or-later

package partition

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"guestkit/gkerr"
)

// Filesystem is the result of the Filesystem identification pass: a
// detected filesystem's type, label, and UUID read directly from its
// superblock (spec §4.2 — "the module must not invoke external tools
// for this path").
type Filesystem struct {
	Type  string
	Label string
	UUID  string
}

const (
	ext2SuperblockOffset = 1024
	ext2MagicOffset      = 56
	ext2FeatureCompat    = 92
	ext2FeatureIncompat  = 96
	ext2UUIDOffset       = 104
	ext2LabelOffset      = 120

	ext2FeatureCompatHasJournal = 0x0004
	ext2FeatureIncompatExtents  = 0x0040

	xfsMagicOffset = 0
	xfsUUIDOffset  = 32
	xfsLabelOffset = 108
	xfsLabelLen    = 12

	btrfsSuperblockOffset = 0x10000
	btrfsMagicOffset      = 0x40
	btrfsUUIDOffset       = 0x20
	btrfsLabelOffset      = 0x12B
	btrfsLabelLen         = 256

	ntfsOEMOffset = 3
	ntfsOEMLen    = 8

	fatBootSignatureOffset = 510
	fat1216LabelOffset     = 43
	fat32LabelOffset       = 71
	fatLabelLen            = 11
	fat1216IdentOffset     = 54
	fat32IdentOffset       = 82

	swapPageSize      = 4096
	swapMagicOffset   = swapPageSize - 10
	swapMagicLen      = 10
	swapUUIDOffset    = 1036
	swapLabelOffset   = 1052
	swapLabelLen      = 16

	iso9660VDOffset   = 32769
	iso9660LabelOff   = 32808
	iso9660LabelLen   = 32

	squashfsMagicOffset = 0

	probeSize = 70000 // covers the btrfs superblock at 64 KiB plus its header
)

var (
	ext2Magic     = []byte{0x53, 0xEF} // 0xEF53 little-endian
	xfsMagic      = []byte("XFSB")
	btrfsMagic    = []byte("_BHRfS_M")
	ntfsOEM       = []byte("NTFS    ")
	fatBootSig    = []byte{0x55, 0xAA}
	fat1216Ident  = []byte("FAT1")
	fat32Ident    = []byte("FAT32   ")
	swapMagicV2   = []byte("SWAPSPACE2")
	swapMagicV1   = []byte("SWAP-SPACE")
	iso9660Magic2 = []byte("CD001")
	squashfsMagic = []byte{0x68, 0x73, 0x71, 0x73} // "hsqs"
)

// DetectFilesystem reads the superblock at the expected offset for each
// candidate type and returns the first match. Ambiguous ext-family
// candidates prefer journaling variants (ext4 over ext3 over ext2), per
// spec §4.2.
func DetectFilesystem(devicePath string) (*Filesystem, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return nil, gkerr.Wrap(gkerr.NotFound, "open device for filesystem identification", err)
	}
	defer f.Close()

	buf := make([]byte, probeSize)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return nil, gkerr.Wrap(gkerr.ParseError, "read device for filesystem identification", err)
	}
	buf = buf[:n]

	if fs, ok := detectExt(buf); ok {
		return fs, nil
	}
	if fs, ok := detectXFS(buf); ok {
		return fs, nil
	}
	if fs, ok := detectBtrfs(buf); ok {
		return fs, nil
	}
	if fs, ok := detectNTFS(buf); ok {
		return fs, nil
	}
	if fs, ok := detectFAT(buf); ok {
		return fs, nil
	}
	if fs, ok := detectSwap(buf); ok {
		return fs, nil
	}
	if fs, ok := detectISO9660(buf); ok {
		return fs, nil
	}
	if fs, ok := detectSquashfs(buf); ok {
		return fs, nil
	}
	return nil, gkerr.New(gkerr.FormatUnknown, "no known filesystem superblock matched").WithContext("device", devicePath)
}

func detectExt(buf []byte) (*Filesystem, bool) {
	off := ext2SuperblockOffset
	if off+ext2LabelOffset+16 > len(buf) {
		return nil, false
	}
	magic := buf[off+ext2MagicOffset : off+ext2MagicOffset+2]
	if !bytes.Equal(magic, ext2Magic) {
		return nil, false
	}

	featureCompat := binary.LittleEndian.Uint32(buf[off+ext2FeatureCompat : off+ext2FeatureCompat+4])
	featureIncompat := binary.LittleEndian.Uint32(buf[off+ext2FeatureIncompat : off+ext2FeatureIncompat+4])

	fsType := "ext2"
	switch {
	case featureIncompat&ext2FeatureIncompatExtents != 0:
		fsType = "ext4"
	case featureCompat&ext2FeatureCompatHasJournal != 0:
		fsType = "ext3"
	}

	uuid := formatUUID(buf[off+ext2UUIDOffset : off+ext2UUIDOffset+16])
	label := cString(buf[off+ext2LabelOffset : off+ext2LabelOffset+16])
	return &Filesystem{Type: fsType, Label: label, UUID: uuid}, true
}

func detectXFS(buf []byte) (*Filesystem, bool) {
	if len(buf) < xfsLabelOffset+xfsLabelLen {
		return nil, false
	}
	if !bytes.Equal(buf[xfsMagicOffset:xfsMagicOffset+4], xfsMagic) {
		return nil, false
	}
	uuid := formatUUID(buf[xfsUUIDOffset : xfsUUIDOffset+16])
	label := cString(buf[xfsLabelOffset : xfsLabelOffset+xfsLabelLen])
	return &Filesystem{Type: "xfs", Label: label, UUID: uuid}, true
}

func detectBtrfs(buf []byte) (*Filesystem, bool) {
	magicOff := btrfsSuperblockOffset + btrfsMagicOffset
	labelOff := btrfsSuperblockOffset + btrfsLabelOffset
	uuidOff := btrfsSuperblockOffset + btrfsUUIDOffset
	if labelOff+btrfsLabelLen > len(buf) {
		return nil, false
	}
	if !bytes.Equal(buf[magicOff:magicOff+8], btrfsMagic) {
		return nil, false
	}
	uuid := formatUUID(buf[uuidOff : uuidOff+16])
	label := cString(buf[labelOff : labelOff+btrfsLabelLen])
	return &Filesystem{Type: "btrfs", Label: label, UUID: uuid}, true
}

func detectNTFS(buf []byte) (*Filesystem, bool) {
	if len(buf) < ntfsOEMOffset+ntfsOEMLen {
		return nil, false
	}
	if !bytes.Equal(buf[ntfsOEMOffset:ntfsOEMOffset+ntfsOEMLen], ntfsOEM) {
		return nil, false
	}
	return &Filesystem{Type: "ntfs"}, true
}

func detectFAT(buf []byte) (*Filesystem, bool) {
	if len(buf) < fatBootSignatureOffset+2 {
		return nil, false
	}
	if !bytes.Equal(buf[fatBootSignatureOffset:fatBootSignatureOffset+2], fatBootSig) {
		return nil, false
	}
	if len(buf) >= fat32IdentOffset+8 && bytes.Equal(buf[fat32IdentOffset:fat32IdentOffset+8], fat32Ident) {
		label := cString(buf[fat32LabelOffset : fat32LabelOffset+fatLabelLen])
		return &Filesystem{Type: "vfat", Label: label}, true
	}
	if len(buf) >= fat1216IdentOffset+4 && bytes.Equal(buf[fat1216IdentOffset:fat1216IdentOffset+4], fat1216Ident) {
		label := cString(buf[fat1216LabelOffset : fat1216LabelOffset+fatLabelLen])
		return &Filesystem{Type: "vfat", Label: label}, true
	}
	return nil, false
}

func detectSwap(buf []byte) (*Filesystem, bool) {
	if len(buf) < swapMagicOffset+swapMagicLen {
		return nil, false
	}
	magic := buf[swapMagicOffset : swapMagicOffset+swapMagicLen]
	if !bytes.Equal(magic, swapMagicV2) && !bytes.Equal(magic, swapMagicV1) {
		return nil, false
	}
	fs := &Filesystem{Type: "swap"}
	if len(buf) >= swapUUIDOffset+16 {
		fs.UUID = formatUUID(buf[swapUUIDOffset : swapUUIDOffset+16])
	}
	if len(buf) >= swapLabelOffset+swapLabelLen {
		fs.Label = cString(buf[swapLabelOffset : swapLabelOffset+swapLabelLen])
	}
	return fs, true
}

func detectISO9660(buf []byte) (*Filesystem, bool) {
	if len(buf) < iso9660LabelOff+iso9660LabelLen {
		return nil, false
	}
	if !bytes.Equal(buf[iso9660VDOffset:iso9660VDOffset+5], iso9660Magic2) {
		return nil, false
	}
	label := cString(buf[iso9660LabelOff : iso9660LabelOff+iso9660LabelLen])
	return &Filesystem{Type: "iso9660", Label: label}, true
}

func detectSquashfs(buf []byte) (*Filesystem, bool) {
	if len(buf) < 4 {
		return nil, false
	}
	if !bytes.Equal(buf[squashfsMagicOffset:squashfsMagicOffset+4], squashfsMagic) {
		return nil, false
	}
	return &Filesystem{Type: "squashfs"}, true
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " ")
}

func formatUUID(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
