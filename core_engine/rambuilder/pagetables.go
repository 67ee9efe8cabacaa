package rambuilder

import (
	"encoding/binary"
	"fmt"

	"example.com/obvmm/core_engine/devicetree"
	"example.com/obvmm/core_engine/vmmerr"
)

// allocTable bump-allocates a committed, zero-initialized table of size
// bytes (4096 for x86-64, 16384 for AArch64), rounded up to block size.
// Returned GPA is always a multiple of block size, which the caller's
// architecture-specific alignment assertion depends on.
func (b *Builder) allocTable(size uint64) (uint64, error) {
	rounded := alignUp(size, b.ram.BlockSize())
	lm, err := b.ram.Alloc(b.next, rounded)
	if err != nil {
		return 0, fmt.Errorf("rambuilder: table alloc: %w: %w", err, vmmerr.ErrTableAllocFailed)
	}
	lm.Close()
	addr := b.next
	b.next += rounded
	return addr, nil
}

func readEntry(full []byte, table uint64, idx uint64) uint64 {
	off := table + idx*8
	return binary.LittleEndian.Uint64(full[off : off+8])
}

func writeEntry(full []byte, table uint64, idx uint64, value uint64) {
	off := table + idx*8
	binary.LittleEndian.PutUint64(full[off:off+8], value)
}

// --- x86-64, 4 KiB pages, 4-level ---

const (
	pte4kPresent  = 1 << 0
	pte4kWrite    = 1 << 1
	pte4kAddrMask = 0x000F_FFFF_FFFF_F000
)

func (b *Builder) build4K(m *RamMap) (uint64, error) {
	if m.PageSize != 0x1000 {
		return 0, fmt.Errorf("rambuilder.build4K: page size %#x: %w", m.PageSize, vmmerr.ErrUnsupportedPageSize)
	}

	pml4, err := b.allocTable(4096)
	if err != nil {
		return 0, err
	}
	full := b.full()

	var mapErr error
	b.devices.Iter(func(addr uint64, d devicetree.Device) {
		if mapErr != nil {
			return
		}
		mapErr = b.mapRange4K(full, pml4, addr, addr, d.Len(), pte4kPresent|pte4kWrite)
	})
	if mapErr != nil {
		return 0, mapErr
	}

	if err := b.mapRange4K(full, pml4, m.KernVaddr, m.KernPaddr, m.KernLen, pte4kPresent|pte4kWrite); err != nil {
		return 0, err
	}
	if err := b.mapRange4K(full, pml4, m.StackVaddr, b.stackAddr, m.StackLen, pte4kPresent|pte4kWrite); err != nil {
		return 0, err
	}
	if err := b.mapRange4K(full, pml4, m.StackVaddr+m.StackLen, b.argsAddr, b.argsLen, pte4kPresent|pte4kWrite); err != nil {
		return 0, err
	}

	return pml4, nil
}

func (b *Builder) mapRange4K(full []byte, pml4, vaddr, paddr, length uint64, flags uint64) error {
	const pageSize = 0x1000
	for off := uint64(0); off < length; off += pageSize {
		if err := b.mapPage4K(full, pml4, vaddr+off, paddr+off, flags); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) mapPage4K(full []byte, pml4, va, pa uint64, flags uint64) error {
	if pa&0x7FF0000000000000 != 0 || pa&0xFFF != 0 {
		return fmt.Errorf("rambuilder: physical address %#x fails the x86-64 PTE address mask assertion", pa)
	}

	pml4i := (va >> 39) & 0x1ff
	pdpti := (va >> 30) & 0x1ff
	pdi := (va >> 21) & 0x1ff
	pti := (va >> 12) & 0x1ff

	table := pml4
	for _, idx := range []uint64{pml4i, pdpti, pdi} {
		entry := readEntry(full, table, idx)
		if entry == 0 {
			child, err := b.allocTable(4096)
			if err != nil {
				return err
			}
			writeEntry(full, table, idx, (child&pte4kAddrMask)|pte4kPresent|pte4kWrite)
			table = child
		} else {
			table = entry & pte4kAddrMask
		}
	}

	desired := (pa & pte4kAddrMask) | flags
	existing := readEntry(full, table, pti)
	if existing == 0 {
		writeEntry(full, table, pti, desired)
		return nil
	}
	if existing == desired {
		return nil // idempotent re-map of an identical descriptor
	}
	panic(fmt.Sprintf("rambuilder: double-map at VA %#x: existing %#x, requested %#x: %v", va, existing, desired, vmmerr.ErrDoubleMap))
}

// --- AArch64, 16 KiB pages, 4-level ---

const (
	pte16kReservedMask = 0xFFFF_0000_0000_3FFF
	pte16kTableDescr    = 0b11
	pte16kPageDescr     = 0b11
	pte16kAF            = 1 << 10
	pte16kSHInner       = 0b11 << 8
	pte16kAPRW          = 0b00 << 6
)

func (b *Builder) build16K(m *RamMap) (uint64, error) {
	if m.PageSize != 0x4000 {
		return 0, fmt.Errorf("rambuilder.build16K: page size %#x: %w", m.PageSize, vmmerr.ErrUnsupportedPageSize)
	}

	l0, err := b.allocTable(16384)
	if err != nil {
		return 0, err
	}
	full := b.full()

	var mapErr error
	b.devices.Iter(func(addr uint64, d devicetree.Device) {
		if mapErr != nil {
			return
		}
		mapErr = b.mapRange16K(full, l0, addr, addr, d.Len(), attrIdxDevice)
	})
	if mapErr != nil {
		return 0, mapErr
	}

	if err := b.mapRange16K(full, l0, m.KernVaddr, m.KernPaddr, m.KernLen, attrIdxNormal); err != nil {
		return 0, err
	}
	if err := b.mapRange16K(full, l0, m.StackVaddr, b.stackAddr, m.StackLen, attrIdxNormal); err != nil {
		return 0, err
	}
	if err := b.mapRange16K(full, l0, m.StackVaddr+m.StackLen, b.argsAddr, b.argsLen, attrIdxNormal); err != nil {
		return 0, err
	}

	return l0, nil
}

func (b *Builder) mapRange16K(full []byte, l0, vaddr, paddr, length uint64, attrIdx uint64) error {
	const pageSize = 0x4000
	for off := uint64(0); off < length; off += pageSize {
		if err := b.mapPage16K(full, l0, vaddr+off, paddr+off, attrIdx); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) mapPage16K(full []byte, l0, va, pa uint64, attrIdx uint64) error {
	if pa&pte16kReservedMask != 0 {
		return fmt.Errorf("rambuilder: physical address %#x fails the AArch64 descriptor address mask assertion", pa)
	}

	l0i := (va >> 47) & 0x1
	l1i := (va >> 36) & 0x7ff
	l2i := (va >> 25) & 0x7ff
	l3i := (va >> 14) & 0x7ff

	table := l0
	for _, idx := range []uint64{l0i, l1i, l2i} {
		entry := readEntry(full, table, idx)
		if entry == 0 {
			child, err := b.allocTable(16384)
			if err != nil {
				return err
			}
			writeEntry(full, table, idx, (child&^pte16kReservedMask)|pte16kTableDescr)
			table = child
		} else {
			table = entry &^ pte16kReservedMask
		}
	}

	desired := (pa &^ pte16kReservedMask) | attrIdx<<2 | pte16kAPRW | pte16kSHInner | pte16kAF | pte16kPageDescr
	existing := readEntry(full, table, l3i)
	if existing == 0 {
		writeEntry(full, table, l3i, desired)
		return nil
	}
	if existing == desired {
		return nil
	}
	panic(fmt.Sprintf("rambuilder: double-map at VA %#x: existing %#x, requested %#x: %v", va, existing, desired, vmmerr.ErrDoubleMap))
}
