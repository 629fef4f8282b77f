// SPDX-License-Identifier: LGPL-3.0-or-later

// Package partition parses MBR and GPT partition tables from an attached
// block device, built atop github.com/diskfs/go-diskfs (already present
// in the example pack's dependency tree for exactly this purpose) with
// an additional safety pass enforcing the disjoint/in-bounds invariant
// the specification requires (P4): go-diskfs returns whatever the table
// declares, so guestkit re-validates ranges itself rather than trusting
// the table blindly.
package partition

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"

	"guestkit/gkerr"
)

// TableKind distinguishes MBR from GPT.
type TableKind string

const (
	KindMBR TableKind = "mbr"
	KindGPT TableKind = "gpt"
)

// Entry is one partition table entry, normalised across MBR and GPT.
type Entry struct {
	Index      int
	StartLBA   uint64
	SizeLBA    uint64
	TypeID     string // MBR type byte (hex) or GPT type GUID
	UniqueGUID string // GPT only
	Name       string // GPT only
	Bootable   bool   // MBR only
	Attributes uint64 // GPT only
}

// Table is a parsed, range-validated partition table.
type Table struct {
	Kind     TableKind
	DiskGUID string // GPT only
	Entries  []Entry
}

const maxExtendedChainDepth = 32

// Read opens device at path read-only and parses its partition table,
// returning ParseError if the table is malformed or its entries overlap
// or exceed the device's bounds.
func Read(path string) (*Table, error) {
	disk, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, gkerr.Wrap(gkerr.ParseError, "open device for partition parsing", err)
	}
	defer disk.Close()

	var pt partition.Table
	pt, err = disk.GetPartitionTable()
	if err != nil {
		return nil, gkerr.Wrap(gkerr.ParseError, "read partition table", err)
	}

	var table *Table
	switch t := pt.(type) {
	case *mbr.Table:
		table, err = fromMBR(t, path)
	case *gpt.Table:
		table, err = fromGPT(t)
	default:
		return nil, gkerr.New(gkerr.ParseError, "unrecognised partition table type")
	}
	if err != nil {
		return nil, err
	}

	if err := validateDisjointAndBounded(table, disk.Size); err != nil {
		return nil, err
	}
	return table, nil
}

// mbrExtendedTypes are the partition type bytes that mark a primary
// entry as the head of an extended-partition chain rather than a usable
// volume in its own right (CHS extended, LBA extended, Linux extended).
var mbrExtendedTypes = map[byte]bool{0x05: true, 0x0f: true, 0x85: true}

// fromMBR records the four primary entries go-diskfs exposes, then, for
// whichever of them marks an extended partition, walks the EBR
// (Extended Boot Record) chain itself against the raw device bytes at
// path: go-diskfs's mbr.Table has no notion of logical partitions at
// all. The walk enforces the spec's depth bound and rejects a cyclic
// chain with ParseError rather than looping (scenario 4).
func fromMBR(t *mbr.Table, path string) (*Table, error) {
	table := &Table{Kind: KindMBR}
	nextIndex := 0
	for _, p := range t.Partitions {
		if p == nil || p.Size == 0 {
			nextIndex++
			continue
		}
		typeID := byte(p.Type)

		// The extended-partition container itself is a placeholder, not a
		// usable volume: its declared range encloses every logical
		// partition inside it, so listing it as an entry would make the
		// disjoint-range check (P4) reject a perfectly valid table. Walk
		// it for its logical partitions instead of recording it.
		if mbrExtendedTypes[typeID] {
			logical, err := walkExtendedChain(path, uint64(p.Start), nextIndex)
			if err != nil {
				return nil, err
			}
			table.Entries = append(table.Entries, logical...)
			nextIndex += len(logical)
			continue
		}

		table.Entries = append(table.Entries, Entry{
			Index:    nextIndex,
			StartLBA: uint64(p.Start),
			SizeLBA:  uint64(p.Size),
			TypeID:   fmt.Sprintf("%#02x", typeID),
			Bootable: p.Bootable,
		})
		nextIndex++
	}
	return table, nil
}

// mbrRawEntry is one raw 16-byte MBR/EBR partition table entry.
type mbrRawEntry struct {
	bootable bool
	typeID   byte
	startLBA uint64
	sizeLBA  uint64
}

func parseMBRRawEntry(b []byte) mbrRawEntry {
	return mbrRawEntry{
		bootable: b[0] == 0x80,
		typeID:   b[4],
		startLBA: uint64(binary.LittleEndian.Uint32(b[8:12])),
		sizeLBA:  uint64(binary.LittleEndian.Uint32(b[12:16])),
	}
}

// walkExtendedChain follows the singly-linked EBR chain rooted at the
// extended partition starting at extendedStart (an absolute LBA),
// reading raw sectors from the device at path. Each EBR holds at most
// two entries: the first describes the logical partition it carries
// (its StartLBA relative to the EBR's own sector), the second, when it
// names another extended-type partition, points to the next EBR (its
// StartLBA relative to the chain's root, not to the current EBR) — the
// standard MBR extended-partition convention. Logical partitions are
// numbered starting at startIndex. A chain that revisits an EBR sector
// or exceeds maxExtendedChainDepth is rejected with ParseError rather
// than followed indefinitely.
func walkExtendedChain(path string, extendedStart uint64, startIndex int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gkerr.Wrap(gkerr.ParseError, "open device to walk extended partition chain", err)
	}
	defer f.Close()

	const sectorSize = 512
	visited := make(map[uint64]bool)
	var entries []Entry
	current := extendedStart
	index := startIndex

	for depth := 1; ; depth++ {
		if depth > maxExtendedChainDepth {
			return nil, gkerr.New(gkerr.ParseError, "mbr extended partition chain exceeds depth bound").
				WithContext("depth", depth)
		}
		if visited[current] {
			return nil, gkerr.New(gkerr.ParseError, "cyclic mbr extended partition chain").
				WithContext("lba", current)
		}
		visited[current] = true

		buf := make([]byte, sectorSize)
		if _, err := f.ReadAt(buf, int64(current)*sectorSize); err != nil {
			return nil, gkerr.Wrap(gkerr.ParseError, "read extended boot record", err).WithContext("lba", current)
		}
		if binary.LittleEndian.Uint16(buf[510:512]) != 0xAA55 {
			return nil, gkerr.New(gkerr.ParseError, "extended boot record missing boot signature").
				WithContext("lba", current)
		}

		logical := parseMBRRawEntry(buf[446:462])
		next := parseMBRRawEntry(buf[462:478])

		if logical.typeID != 0 && logical.sizeLBA != 0 {
			entries = append(entries, Entry{
				Index:    index,
				StartLBA: current + logical.startLBA,
				SizeLBA:  logical.sizeLBA,
				TypeID:   fmt.Sprintf("%#02x", logical.typeID),
				Bootable: logical.bootable,
			})
			index++
		}

		if !mbrExtendedTypes[next.typeID] || next.sizeLBA == 0 {
			break
		}
		current = extendedStart + next.startLBA
	}
	return entries, nil
}

func fromGPT(t *gpt.Table) (*Table, error) {
	table := &Table{Kind: KindGPT, DiskGUID: t.GUID}
	for i, p := range t.Partitions {
		if p == nil || p.Size == 0 {
			continue
		}
		table.Entries = append(table.Entries, Entry{
			Index:      i,
			StartLBA:   uint64(p.Start),
			SizeLBA:    uint64(p.Size),
			TypeID:     p.Type,
			UniqueGUID: p.GUID,
			Name:       p.Name,
		})
	}
	return table, nil
}

// validateDisjointAndBounded enforces P4: the parser either returns a
// consistent, disjoint, in-bounds partition list, or a ParseError — never
// an inconsistent list.
func validateDisjointAndBounded(t *Table, deviceSize int64) error {
	sorted := make([]Entry, len(t.Entries))
	copy(sorted, t.Entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartLBA < sorted[j].StartLBA })

	const sectorSize = 512
	for i, e := range sorted {
		end := e.StartLBA + e.SizeLBA
		if int64(end)*sectorSize > deviceSize {
			return gkerr.New(gkerr.ParseError, "partition extends past device bounds").
				WithContext("index", e.Index)
		}
		if i > 0 {
			prev := sorted[i-1]
			if e.StartLBA < prev.StartLBA+prev.SizeLBA {
				return gkerr.New(gkerr.ParseError, "overlapping partition entries").
					WithContext("a", prev.Index).WithContext("b", e.Index)
			}
		}
	}
	return nil
}
