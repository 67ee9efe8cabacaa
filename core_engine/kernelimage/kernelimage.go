// Package kernelimage reads the guest kernel ELF: a program header
// iterator, a PT_NOTE ("obkrnl") parser yielding the guest's intended page
// size, and a bounded segment-data reader. Kernel behavior after entry is
// out of scope; this package only validates and streams what the loader
// needs.
package kernelimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"example.com/obvmm/core_engine/vmmerr"
)

// Program header types this loader understands. PT_NULL and PT_PHDR are
// accepted and ignored, as are PT_GNU_*; anything else is an error.
const (
	ptNull    = 0
	ptLoad    = 1
	ptDynamic = 2
	ptNote    = 4
	ptPhdr    = 6
)

func isGNU(t uint32) bool {
	return t >= 0x6474e550 && t <= 0x6474e553
}

// Dynamic tags the relocator cares about.
const (
	DtNull   = 0
	DtRela   = 7
	DtRelasz = 8
)

const noteName = "obkrnl"

// ProgramHeader mirrors the fields of an ELF64 Phdr the loader needs.
type ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func (p ProgramHeader) vend() uint64 { return p.Vaddr + p.Memsz }

// Image is an opened kernel ELF file.
type Image struct {
	f       *os.File
	entry   uint64
	headers []ProgramHeader
}

const (
	elfMagic0, elfMagic1, elfMagic2, elfMagic3 = 0x7f, 'E', 'L', 'F'
	elfClass64                                 = 2
	elfDataLSB                                  = 1
)

// Open parses the ELF header and program header table. It does not validate
// the kernel contract (see Validate); it only ensures this is a well-formed
// 64-bit little-endian ELF.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kernelimage.Open: %w", err)
	}

	var ident [16]byte
	if _, err := io.ReadFull(f, ident[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("kernelimage.Open: read e_ident: %w: %w", err, vmmerr.ErrNotELF)
	}
	if ident[0] != elfMagic0 || ident[1] != elfMagic1 || ident[2] != elfMagic2 || ident[3] != elfMagic3 {
		f.Close()
		return nil, fmt.Errorf("kernelimage.Open: bad magic: %w", vmmerr.ErrNotELF)
	}
	if ident[4] != elfClass64 || ident[5] != elfDataLSB {
		f.Close()
		return nil, fmt.Errorf("kernelimage.Open: not 64-bit little-endian: %w", vmmerr.ErrBadClass)
	}

	var hdr struct {
		Type, Machine uint16
		Version       uint32
		Entry         uint64
		Phoff         uint64
		Shoff         uint64
		Flags         uint32
		Ehsize        uint16
		Phentsize     uint16
		Phnum         uint16
		Shentsize     uint16
		Shnum         uint16
		Shstrndx      uint16
	}
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("kernelimage.Open: read e_hdr: %w: %w", err, vmmerr.ErrNotELF)
	}

	headers := make([]ProgramHeader, 0, hdr.Phnum)
	for i := uint16(0); i < hdr.Phnum; i++ {
		if _, err := f.Seek(int64(hdr.Phoff)+int64(i)*int64(hdr.Phentsize), io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("kernelimage.Open: seek phdr %d: %w", i, err)
		}
		var raw struct {
			Type   uint32
			Flags  uint32
			Offset uint64
			Vaddr  uint64
			Paddr  uint64
			Filesz uint64
			Memsz  uint64
			Align  uint64
		}
		if err := binary.Read(f, binary.LittleEndian, &raw); err != nil {
			f.Close()
			return nil, fmt.Errorf("kernelimage.Open: read phdr %d: %w: %w", i, err, vmmerr.ErrProgramHeaders)
		}
		headers = append(headers, ProgramHeader(raw))
	}

	return &Image{f: f, entry: hdr.Entry, headers: headers}, nil
}

// ProgramHeaders returns the raw program header list in file order. Calling
// this repeatedly yields the same sequence in the same order.
func (img *Image) ProgramHeaders() []ProgramHeader {
	out := make([]ProgramHeader, len(img.headers))
	copy(out, img.headers)
	return out
}

// Entry is the kernel's V-entry address.
func (img *Image) Entry() uint64 { return img.entry }

// SegmentData returns a reader over ph's file bytes, bounded to p_filesz.
func (img *Image) SegmentData(ph ProgramHeader) (io.Reader, error) {
	if _, err := img.f.Seek(int64(ph.Offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("kernelimage.SegmentData: seek: %w", err)
	}
	return io.LimitReader(img.f, int64(ph.Filesz)), nil
}

// Close closes the underlying file.
func (img *Image) Close() error { return img.f.Close() }

// Validated is the result of the VMM startup routine's validation pass: a
// sorted, overlap-checked PT_LOAD list plus the resolved kernel page size.
type Validated struct {
	Loads    []ProgramHeader // sorted by Vaddr, no overlap
	Dynamic  ProgramHeader
	PageSize uint64
	Entry    uint64
}

// Validate applies the rules the VMM's startup routine enforces: exactly
// one PT_DYNAMIC, exactly one PT_NOTE containing one "obkrnl" type-0 note
// whose description is a power-of-two page size, at least one PT_LOAD whose
// first entry begins at file offset 0, and a sorted, non-overlapping PT_LOAD
// list. Unknown p_type values are errors unless PT_NULL, PT_GNU_* or PT_PHDR.
func (img *Image) Validate() (*Validated, error) {
	var (
		loads       []ProgramHeader
		dynamic     *ProgramHeader
		note        *ProgramHeader
		sawDynCount int
		sawNoteCnt  int
	)

	for _, ph := range img.headers {
		switch {
		case ph.Type == ptLoad:
			cp := ph
			loads = append(loads, cp)
		case ph.Type == ptDynamic:
			sawDynCount++
			cp := ph
			dynamic = &cp
		case ph.Type == ptNote:
			sawNoteCnt++
			cp := ph
			note = &cp
		case ph.Type == ptNull, ph.Type == ptPhdr, isGNU(ph.Type):
			// accepted and ignored
		default:
			return nil, fmt.Errorf("kernelimage.Validate: unknown p_type %#x: %w", ph.Type, vmmerr.ErrProgramHeaders)
		}
	}

	if len(loads) == 0 {
		return nil, fmt.Errorf("kernelimage.Validate: no PT_LOAD segments: %w", vmmerr.ErrProgramHeaders)
	}
	if sawDynCount != 1 {
		return nil, fmt.Errorf("kernelimage.Validate: expected exactly one PT_DYNAMIC, found %d: %w", sawDynCount, vmmerr.ErrProgramHeaders)
	}
	if sawNoteCnt != 1 {
		return nil, fmt.Errorf("kernelimage.Validate: expected exactly one PT_NOTE, found %d: %w", sawNoteCnt, vmmerr.ErrProgramHeaders)
	}

	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })
	if loads[0].Offset != 0 {
		return nil, fmt.Errorf("kernelimage.Validate: first PT_LOAD offset %#x != 0: %w", loads[0].Offset, vmmerr.ErrProgramHeaders)
	}
	for i, ph := range loads {
		if ph.Filesz > ph.Memsz {
			return nil, fmt.Errorf("kernelimage.Validate: PT_LOAD[%d] p_filesz > p_memsz: %w", i, vmmerr.ErrProgramHeaders)
		}
		if i > 0 && ph.Vaddr < loads[i-1].vend() {
			return nil, fmt.Errorf("kernelimage.Validate: PT_LOAD overlapped: %w", vmmerr.ErrProgramHeaders)
		}
	}

	pageSize, err := parseObkrnlNote(img, *note)
	if err != nil {
		return nil, err
	}

	return &Validated{Loads: loads, Dynamic: *dynamic, PageSize: pageSize, Entry: img.entry}, nil
}

func parseObkrnlNote(img *Image, ph ProgramHeader) (uint64, error) {
	r, err := img.SegmentData(ph)
	if err != nil {
		return 0, fmt.Errorf("kernelimage.Validate: read PT_NOTE: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("kernelimage.Validate: read PT_NOTE: %w", err)
	}

	var found uint64
	seen := false
	for len(data) > 0 {
		if len(data) < 12 {
			return 0, fmt.Errorf("kernelimage.Validate: truncated note header: %w", vmmerr.ErrProgramHeaders)
		}
		namesz := binary.LittleEndian.Uint32(data[0:4])
		descsz := binary.LittleEndian.Uint32(data[4:8])
		typ := binary.LittleEndian.Uint32(data[8:12])
		data = data[12:]

		if namesz > 0xff || descsz > 0xff {
			return 0, fmt.Errorf("kernelimage.Validate: note name/desc too long: %w", vmmerr.ErrProgramHeaders)
		}
		namePad := align4(namesz)
		descPad := align4(descsz)
		if uint64(len(data)) < uint64(namePad)+uint64(descPad) {
			return 0, fmt.Errorf("kernelimage.Validate: truncated note body: %w", vmmerr.ErrProgramHeaders)
		}

		name := bytes.TrimRight(data[:namesz], "\x00")
		desc := data[namePad : namePad+descsz]
		data = data[namePad+descPad:]

		if string(name) != noteName {
			continue
		}
		if typ != 0 {
			return 0, fmt.Errorf("kernelimage.Validate: obkrnl note has unknown type %d: %w", typ, vmmerr.ErrProgramHeaders)
		}
		if descsz != 8 {
			return 0, fmt.Errorf("kernelimage.Validate: obkrnl note description is not a usize: %w", vmmerr.ErrProgramHeaders)
		}
		ps := binary.LittleEndian.Uint64(desc)
		if ps == 0 || ps&(ps-1) != 0 {
			return 0, fmt.Errorf("kernelimage.Validate: obkrnl page size %#x is not a power of two: %w", ps, vmmerr.ErrBadPageSize)
		}
		found = ps
		seen = true
	}

	if !seen {
		return 0, fmt.Errorf("kernelimage.Validate: PT_NOTE has no obkrnl entry: %w", vmmerr.ErrProgramHeaders)
	}
	return found, nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}
