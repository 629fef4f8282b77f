// SPDX-License-Identifier: LGPL-3.0-or-later

package inspect

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"unicode/utf16"

	"guestkit/gkerr"
)

// Windows registry hive binary format: a REGF header followed by a
// sequence of HBIN blocks, each containing NK (key node), VK (value),
// and SK (security) cells. No pack example parses this format; this is
// a from-scratch, stdlib-only implementation (see DESIGN.md).

const (
	regfMagic = "regf"
	hbinMagic = "hbin"
	vkMagic   = "vk"
)

// hiveValue is one extracted VK cell's (name, data) pair.
type hiveValue struct {
	Name string
	Data []byte
}

// extractWindowsIdentity reads the SOFTWARE hive under
// Windows/System32/config and takes the ProductName /
// CurrentMajorVersionNumber / CurrentMinorVersionNumber values from the
// VK cells findCurrentVersionValues returns. Only inline value data is
// read (see parseVKCell), so ProductName, a string stored out of line,
// is left empty.
func extractWindowsIdentity(root string) (*OSIdentity, error) {
	hivePath := filepath.Join(root, "Windows", "System32", "config", "SOFTWARE")
	data, err := os.ReadFile(hivePath)
	if err != nil {
		return nil, gkerr.Wrap(gkerr.NotFound, "read SOFTWARE hive", err)
	}

	values, err := findCurrentVersionValues(data)
	if err != nil {
		return &OSIdentity{OSType: "windows", Distribution: "windows"}, nil
	}

	id := &OSIdentity{OSType: "windows", Distribution: "windows"}
	for _, v := range values {
		switch v.Name {
		case "ProductName":
			id.ProductName = decodeUTF16LE(v.Data)
		case "CurrentMajorVersionNumber":
			if len(v.Data) >= 4 {
				id.VersionMajor = int(binary.LittleEndian.Uint32(v.Data))
			}
		case "CurrentMinorVersionNumber":
			if len(v.Data) >= 4 {
				id.VersionMinor = int(binary.LittleEndian.Uint32(v.Data))
			}
		}
	}
	return id, nil
}

// findCurrentVersionValues returns the VK values of every hbin block in
// the hive. This is a best-effort linear scan, not a key-hierarchy walk:
// NK cells are not examined, so values are not filtered by the key they
// belong to.
func findCurrentVersionValues(hive []byte) ([]hiveValue, error) {
	if len(hive) < 4096 || string(hive[0:4]) != regfMagic {
		return nil, gkerr.New(gkerr.ParseError, "not a registry hive (missing regf signature)")
	}

	const headerSize = 4096 // first hbin block starts at offset 4096
	offset := headerSize

	var values []hiveValue
	for offset+4 < len(hive) {
		if string(hive[offset:offset+4]) != hbinMagic {
			break
		}
		blockSize := int(binary.LittleEndian.Uint32(hive[offset+8 : offset+12]))
		if blockSize <= 0 || offset+blockSize > len(hive) {
			break
		}
		values = append(values, scanCellsForValues(hive[offset:offset+blockSize])...)
		offset += blockSize
	}
	return values, nil
}

// scanCellsForValues walks one hbin block's cells looking for VK cells,
// returning their decoded (name, data) pairs.
func scanCellsForValues(block []byte) []hiveValue {
	var values []hiveValue
	pos := 32 // skip hbin block header
	for pos+4 < len(block) {
		cellSize := int(int32(binary.LittleEndian.Uint32(block[pos : pos+4])))
		size := cellSize
		if size < 0 {
			size = -size
		}
		if size < 4 || pos+size > len(block) {
			break
		}

		if size >= 6 && string(block[pos+4:pos+6]) == vkMagic {
			if v, ok := parseVKCell(block[pos : pos+size]); ok {
				values = append(values, v)
			}
		}
		pos += size
	}
	return values
}

// parseVKCell decodes a VK (value) cell: name length, name, data length,
// and the data itself when it is stored inline in the data-offset field
// (high bit of the data length set, at most 4 bytes). Data stored out of
// line in another cell is not read; such a value is returned without
// data.
func parseVKCell(cell []byte) (hiveValue, bool) {
	if len(cell) < 24 {
		return hiveValue{}, false
	}
	nameLen := int(binary.LittleEndian.Uint16(cell[6:8]))
	dataLen := int32(binary.LittleEndian.Uint32(cell[8:12]))
	if 24+nameLen > len(cell) {
		return hiveValue{}, false
	}
	name := string(cell[24 : 24+nameLen])

	inline := dataLen < 0
	length := int(uint32(dataLen) & 0x7fffffff)

	var data []byte
	if inline && length <= 4 {
		// data stored directly in the data-offset field
		start := 12
		if start+4 <= len(cell) {
			data = cell[start : start+4][:min4(length, 4)]
		}
	}
	return hiveValue{Name: name, Data: data}, true
}

func min4(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func decodeUTF16LE(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(u16))
}
