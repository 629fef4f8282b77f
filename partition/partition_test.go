// SPDX-License-Identifier: LGPL-3.0-or-later

package partition

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sectorSize = 512

// writeMBREntry encodes one 16-byte MBR/EBR partition entry into buf at
// offset.
func writeMBREntry(buf []byte, offset int, bootable bool, typeID byte, startLBA, sizeLBA uint32) {
	if bootable {
		buf[offset] = 0x80
	}
	buf[offset+4] = typeID
	binary.LittleEndian.PutUint32(buf[offset+8:offset+12], startLBA)
	binary.LittleEndian.PutUint32(buf[offset+12:offset+16], sizeLBA)
}

// newEBRSector builds one 512-byte Extended Boot Record: a logical
// partition entry (relative to its own LBA) and a link to the next EBR
// in the chain (relative to the chain's root), or an all-zero link
// entry to terminate the chain.
func newEBRSector(logicalStart, logicalSize, nextStart, nextSize uint32) []byte {
	buf := make([]byte, sectorSize)
	if logicalSize != 0 {
		writeMBREntry(buf, 446, false, 0x83, logicalStart, logicalSize)
	}
	if nextSize != 0 {
		writeMBREntry(buf, 462, false, 0x05, nextStart, nextSize)
	}
	binary.LittleEndian.PutUint16(buf[510:512], 0xAA55)
	return buf
}

func writeSectorAt(t *testing.T, f *os.File, lba uint64, sector []byte) {
	t.Helper()
	_, err := f.WriteAt(sector, int64(lba)*sectorSize)
	if err != nil {
		t.Fatalf("write sector at %d: %v", lba, err)
	}
}

func TestValidateDisjointAndBoundedAccepts(t *testing.T) {
	table := &Table{
		Kind: KindGPT,
		Entries: []Entry{
			{Index: 0, StartLBA: 34, SizeLBA: 100},
			{Index: 1, StartLBA: 200, SizeLBA: 100},
		},
	}
	err := validateDisjointAndBounded(table, 1000*sectorSize)
	assert.NoError(t, err)
}

func TestValidateDisjointAndBoundedRejectsOverlap(t *testing.T) {
	table := &Table{
		Kind: KindMBR,
		Entries: []Entry{
			{Index: 0, StartLBA: 34, SizeLBA: 200},
			{Index: 1, StartLBA: 100, SizeLBA: 100}, // overlaps entry 0
		},
	}
	err := validateDisjointAndBounded(table, 1000*sectorSize)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "overlap")
	}
}

func TestValidateDisjointAndBoundedRejectsOutOfBounds(t *testing.T) {
	table := &Table{
		Kind: KindMBR,
		Entries: []Entry{
			{Index: 0, StartLBA: 34, SizeLBA: 10000}, // extends past device
		},
	}
	err := validateDisjointAndBounded(table, 1000*sectorSize)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "bounds")
	}
}

func TestValidateDisjointAndBoundedIgnoresOrder(t *testing.T) {
	// Entries out of start-LBA order must still be checked correctly.
	table := &Table{
		Kind: KindGPT,
		Entries: []Entry{
			{Index: 1, StartLBA: 200, SizeLBA: 100},
			{Index: 0, StartLBA: 34, SizeLBA: 100},
		},
	}
	err := validateDisjointAndBounded(table, 1000*sectorSize)
	assert.NoError(t, err)
}

// TestWalkExtendedChainDepthThree reproduces scenario 4: an MBR
// extended-partition chain of depth 3 must yield exactly 3 logical
// partitions.
func TestWalkExtendedChainDepthThree(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "mbr-chain-")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	const extendedStart = 2048

	// EBR1 at extendedStart: logical partition starting 2 sectors into
	// the EBR, linking to EBR2 at extendedStart+4096.
	writeSectorAt(t, f, extendedStart, newEBRSector(2, 2000, 4096, 2048))
	// EBR2 at extendedStart+4096: logical partition, linking to EBR3.
	writeSectorAt(t, f, extendedStart+4096, newEBRSector(2, 2000, 8192, 2048))
	// EBR3 at extendedStart+8192: logical partition, end of chain.
	writeSectorAt(t, f, extendedStart+8192, newEBRSector(2, 2000, 0, 0))

	entries, err := walkExtendedChain(f.Name(), extendedStart, 4)
	if !assert.NoError(t, err) {
		return
	}
	assert.Len(t, entries, 3)
	assert.Equal(t, uint64(extendedStart+2), entries[0].StartLBA)
	assert.Equal(t, uint64(extendedStart+4096+2), entries[1].StartLBA)
	assert.Equal(t, uint64(extendedStart+8192+2), entries[2].StartLBA)
	assert.Equal(t, 4, entries[0].Index)
	assert.Equal(t, 6, entries[2].Index)
}

// TestWalkExtendedChainRejectsCycle verifies the depth/cycle guard
// actually fires: a chain whose second EBR links back to the first is
// rejected with ParseError rather than looping forever.
func TestWalkExtendedChainRejectsCycle(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "mbr-cycle-")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	const extendedStart = 2048

	// EBR1 links to EBR2; EBR2 links back to EBR1 (relative offset 0).
	writeSectorAt(t, f, extendedStart, newEBRSector(2, 2000, 4096, 2048))
	writeSectorAt(t, f, extendedStart+4096, newEBRSector(2, 2000, 0, 2048))

	_, err = walkExtendedChain(f.Name(), extendedStart, 4)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "cyclic")
	}
}

// TestWalkExtendedChainRejectsExcessiveDepth verifies the depth bound
// fires on a long but non-cyclic chain (each EBR links to a fresh,
// never-revisited LBA) rather than only catching literal cycles.
func TestWalkExtendedChainRejectsExcessiveDepth(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "mbr-deep-")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	const extendedStart = 2048
	const stride = 4096

	for i := 0; i < maxExtendedChainDepth+5; i++ {
		lba := uint64(extendedStart + i*stride)
		nextRel := uint32((i + 1) * stride)
		writeSectorAt(t, f, lba, newEBRSector(2, 2000, nextRel, 2048))
	}

	_, err = walkExtendedChain(f.Name(), extendedStart, 4)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "depth bound")
	}
}
