// SPDX-License-Identifier: LGPL-3.0-or-later

package partition

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guestkit/gkerr"
)

func writeDevice(t *testing.T, buf []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestDetectFilesystemExt4(t *testing.T) {
	buf := make([]byte, probeSize)
	off := ext2SuperblockOffset
	copy(buf[off+ext2MagicOffset:], ext2Magic)
	binary.LittleEndian.PutUint32(buf[off+ext2FeatureIncompat:], ext2FeatureIncompatExtents)
	copy(buf[off+ext2LabelOffset:], []byte("rootfs\x00"))
	copy(buf[off+ext2UUIDOffset:], []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10})

	fs, err := DetectFilesystem(writeDevice(t, buf))
	require.NoError(t, err)
	assert.Equal(t, "ext4", fs.Type)
	assert.Equal(t, "rootfs", fs.Label)
	assert.Equal(t, "01020304-0506-0708-090a-0b0c0d0e0f10", fs.UUID)
}

func TestDetectFilesystemExt3PrefersJournalOverExt2(t *testing.T) {
	buf := make([]byte, probeSize)
	off := ext2SuperblockOffset
	copy(buf[off+ext2MagicOffset:], ext2Magic)
	binary.LittleEndian.PutUint32(buf[off+ext2FeatureCompat:], ext2FeatureCompatHasJournal)

	fs, err := DetectFilesystem(writeDevice(t, buf))
	require.NoError(t, err)
	assert.Equal(t, "ext3", fs.Type)
}

func TestDetectFilesystemXFS(t *testing.T) {
	buf := make([]byte, probeSize)
	copy(buf[xfsMagicOffset:], xfsMagic)
	copy(buf[xfsLabelOffset:], []byte("data"))

	fs, err := DetectFilesystem(writeDevice(t, buf))
	require.NoError(t, err)
	assert.Equal(t, "xfs", fs.Type)
	assert.Equal(t, "data", fs.Label)
}

func TestDetectFilesystemBtrfs(t *testing.T) {
	buf := make([]byte, probeSize)
	copy(buf[btrfsSuperblockOffset+btrfsMagicOffset:], btrfsMagic)
	copy(buf[btrfsSuperblockOffset+btrfsLabelOffset:], []byte("storage"))

	fs, err := DetectFilesystem(writeDevice(t, buf))
	require.NoError(t, err)
	assert.Equal(t, "btrfs", fs.Type)
	assert.Equal(t, "storage", fs.Label)
}

func TestDetectFilesystemSwap(t *testing.T) {
	buf := make([]byte, probeSize)
	copy(buf[swapMagicOffset:], swapMagicV2)

	fs, err := DetectFilesystem(writeDevice(t, buf))
	require.NoError(t, err)
	assert.Equal(t, "swap", fs.Type)
}

func TestDetectFilesystemVFAT(t *testing.T) {
	buf := make([]byte, probeSize)
	copy(buf[fatBootSignatureOffset:], fatBootSig)
	copy(buf[fat32IdentOffset:], fat32Ident)
	copy(buf[fat32LabelOffset:], []byte("USBDRIVE"))

	fs, err := DetectFilesystem(writeDevice(t, buf))
	require.NoError(t, err)
	assert.Equal(t, "vfat", fs.Type)
	assert.Equal(t, "USBDRIVE", fs.Label)
}

func TestDetectFilesystemISO9660(t *testing.T) {
	buf := make([]byte, probeSize)
	copy(buf[iso9660VDOffset:], iso9660Magic2)
	copy(buf[iso9660LabelOff:], []byte("MY DISC"))

	fs, err := DetectFilesystem(writeDevice(t, buf))
	require.NoError(t, err)
	assert.Equal(t, "iso9660", fs.Type)
	assert.Equal(t, "MY DISC", fs.Label)
}

func TestDetectFilesystemSquashfs(t *testing.T) {
	buf := make([]byte, probeSize)
	copy(buf[squashfsMagicOffset:], squashfsMagic)

	fs, err := DetectFilesystem(writeDevice(t, buf))
	require.NoError(t, err)
	assert.Equal(t, "squashfs", fs.Type)
}

func TestDetectFilesystemUnknown(t *testing.T) {
	buf := make([]byte, probeSize)
	_, err := DetectFilesystem(writeDevice(t, buf))
	require.Error(t, err)
	assert.Equal(t, gkerr.FormatUnknown, gkerr.KindOf(err))
}

func TestDetectFilesystemMissingDevice(t *testing.T) {
	_, err := DetectFilesystem(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	assert.Equal(t, gkerr.NotFound, gkerr.KindOf(err))
}
