// SPDX-License-Identifier: LGPL-3.0-or-later

// Package image implements format detection for virtual disk images:
// magic-byte identification per §6 of the inspection engine's wire
// contract, grounded on the host daemon's format detector but extended
// to the full signature table (vdi, vhdx, iso9660) that detector never
// covered.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"guestkit/gkerr"
)

// Format identifies one of the accepted virtual disk image formats.
type Format string

const (
	FormatRAW     Format = "raw"
	FormatQCOW2   Format = "qcow2"
	FormatVMDK    Format = "vmdk"
	FormatVDI     Format = "vdi"
	FormatVHD     Format = "vhd"
	FormatVHDX    Format = "vhdx"
	FormatISO9660 Format = "iso9660"
	FormatUnknown Format = "unknown"
)

var (
	magicQCOW2 = []byte{0x51, 0x46, 0x49, 0xFB} // "QFI\xFB"
	magicVMDKSparse = []byte{0x4B, 0x44, 0x4D, 0x56} // "KDMV"
	vmdkDescriptorKeyword = []byte("createType=")
	magicVHDXFile   = []byte("vhdxfile")
	magicVHDFooter  = []byte("conectix")
	vdiPreamble     = []byte("<<< Oracle VM VirtualBox Disk Image >>>")
	iso9660Magic    = []byte("CD001")
)

const (
	iso9660Offset = 32769
	headerProbeSize = 4096
	vdiPreambleScan = 64
)

// Image is an immutable observation of a disk image file on the host.
// It is created by Detect and is never mutated.
type Image struct {
	Path    string
	Format  Format
	Size    int64
	ModTime time.Time
}

// Detect observes path, reads a bounded prefix (and, for iso9660, the
// volume descriptor at byte 32769; for vhd, the final footer) and
// returns the detected Image. Detection is pure and
// deterministic for a stable file: repeated calls against the same bytes
// return the same Format (P3).
func Detect(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gkerr.Wrap(gkerr.NotFound, "open image", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, gkerr.Wrap(gkerr.NotFound, "stat image", err)
	}

	header := make([]byte, headerProbeSize)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, gkerr.Wrap(gkerr.ParseError, "read image header", err)
	}
	header = header[:n]

	format, err := detectFormat(f, header, st.Size())
	if err != nil {
		return nil, err
	}

	return &Image{
		Path:    path,
		Format:  format,
		Size:    st.Size(),
		ModTime: st.ModTime(),
	}, nil
}

func detectFormat(f *os.File, header []byte, size int64) (Format, error) {
	switch {
	case len(header) >= 4 && bytes.Equal(header[:4], magicQCOW2):
		return FormatQCOW2, nil
	case len(header) >= 4 && bytes.Equal(header[:4], magicVMDKSparse):
		return FormatVMDK, nil
	case bytes.Contains(header, vmdkDescriptorKeyword):
		return FormatVMDK, nil
	case len(header) >= 8 && bytes.Equal(header[:8], magicVHDXFile):
		return FormatVHDX, nil
	case bytes.Contains(header[:min(len(header), vdiPreambleScan)], vdiPreamble):
		return FormatVDI, nil
	}

	if size >= iso9660Offset+int64(len(iso9660Magic)) {
		buf := make([]byte, len(iso9660Magic))
		if _, err := f.ReadAt(buf, iso9660Offset); err == nil && bytes.Equal(buf, iso9660Magic) {
			return FormatISO9660, nil
		}
	}

	if size >= 512 {
		footer := make([]byte, 512)
		if _, err := f.ReadAt(footer, size-512); err == nil && bytes.HasPrefix(footer, magicVHDFooter) {
			return FormatVHD, nil
		}
	}

	return FormatRAW, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Info carries format-specific metadata extracted from the image header,
// beyond the bare Format classification (virtual size, compression,
// free-form per-format details). None of the header readers here sets
// Compressed; qcow2's encryption flag is reported as Details["encrypted"].
type Info struct {
	Format      Format
	VirtualSize uint64
	Compressed  bool
	Details     map[string]any
}

// ReadInfo extracts format-specific header metadata for img.
func ReadInfo(img *Image) (*Info, error) {
	f, err := os.Open(img.Path)
	if err != nil {
		return nil, gkerr.Wrap(gkerr.NotFound, "open image", err)
	}
	defer f.Close()

	switch img.Format {
	case FormatQCOW2:
		return readQCOW2Info(f)
	case FormatVDI:
		return readVDIInfo(f)
	default:
		return &Info{Format: img.Format, VirtualSize: uint64(img.Size), Details: map[string]any{}}, nil
	}
}

// qcow2Header mirrors the fixed portion of the QCOW2 v2/v3 on-disk header.
type qcow2Header struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64
	CryptMethod           uint32
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
}

func readQCOW2Info(f *os.File) (*Info, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, gkerr.Wrap(gkerr.ParseError, "seek qcow2 header", err)
	}
	var hdr qcow2Header
	if err := binary.Read(f, binary.BigEndian, &hdr); err != nil {
		return nil, gkerr.Wrap(gkerr.ParseError, "read qcow2 header", err)
	}
	return &Info{
		Format:      FormatQCOW2,
		VirtualSize: hdr.Size,
		Details: map[string]any{
			"version":      hdr.Version,
			"cluster_bits": hdr.ClusterBits,
			"encrypted":    hdr.CryptMethod != 0,
		},
	}, nil
}

// vdiHeader mirrors VirtualBox's VDI on-disk header, grounded on the
// embedded-filesystem VDI extractor's struct layout.
type vdiHeader struct {
	Text            [0x40]byte
	Signature       uint32
	Version         uint32
	HeaderSize      uint32
	ImageType       uint32
	ImageFlags      uint32
	Description     [256]byte
	OffsetBmap      uint32
	OffsetData      uint32
	Cylinders       uint32
	Heads           uint32
	Sectors         uint32
	SectorSize      uint32
	Unused1         uint32
	DiskSize        uint64
	BlockSize       uint32
	BlockExtra      uint32
	BlocksInImage   uint32
	BlocksAllocated uint32
	UUIDImage       [16]byte
	UUIDLastSnap    [16]byte
	UUIDLink        [16]byte
	UUIDParent      [16]byte
	Unused2         [7]uint64
}

const vdiSignature = 0xBEDA107F

func readVDIInfo(f *os.File) (*Info, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, gkerr.Wrap(gkerr.ParseError, "seek vdi header", err)
	}
	var hdr vdiHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, gkerr.Wrap(gkerr.ParseError, "read vdi header", err)
	}
	if hdr.Signature != vdiSignature {
		return nil, gkerr.New(gkerr.ParseError, fmt.Sprintf("vdi signature mismatch: %#x", hdr.Signature)).
			WithContext("offset", 0x40)
	}
	return &Info{
		Format:      FormatVDI,
		VirtualSize: hdr.DiskSize,
		Details: map[string]any{
			"image_type": hdr.ImageType,
			"block_size": hdr.BlockSize,
			"blocks":     hdr.BlocksInImage,
		},
	}, nil
}

// RequiresNBD reports whether the format needs the QEMU-family
// network-block-device adapter rather than a plain loop device, per
// §4.3's selection rule.
func (f Format) RequiresNBD() bool {
	switch f {
	case FormatRAW, FormatISO9660:
		return false
	default:
		return true
	}
}

func (f Format) String() string { return string(f) }
