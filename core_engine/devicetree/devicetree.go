// Package devicetree implements the ordered GPA-to-Device mapping consumed
// by RamBuilder (for identity mapping) and RunLoop (for MMIO dispatch).
package devicetree

import (
	"fmt"
	"sort"

	"example.com/obvmm/core_engine/vmmerr"
)

// Io describes one MMIO exit: the GPA touched, the data buffer (read fills
// it, write carries the value to store), and whether it is a write.
type Io struct {
	Addr    uint64
	Buffer  []byte
	IsWrite bool
}

// DeviceContext is owned by exactly one vCPU thread. exec reports whether
// the CPU loop should keep running.
type DeviceContext interface {
	Exec(io *Io) (bool, error)
}

// Device is shared; it produces a DeviceContext per vCPU thread that wants
// one. Device and DeviceContext are deliberately separate types: Device is
// genuinely open (embedders add devices), so this is a small capability set
// rather than a closed variant.
type Device interface {
	Addr() uint64
	Len() uint64
	CreateContext() DeviceContext
}

type entry struct {
	addr, end uint64
	device    Device
}

// Tree is an ordered mapping GPA -> Device. Ranges are disjoint by
// construction; iteration is by ascending start GPA.
type Tree struct {
	entries []entry
	frozen  bool
}

// New returns an empty, mutable device tree.
func New() *Tree { return &Tree{} }

// Insert adds device at addr. Disjointness is invariant-enforced: inserting
// a range that overlaps an existing one is an error.
func (t *Tree) Insert(addr uint64, d Device) error {
	if t.frozen {
		return fmt.Errorf("devicetree: Insert after Freeze: %w", vmmerr.ErrDeviceOverlap)
	}
	length := d.Len()
	if length == 0 {
		return fmt.Errorf("devicetree: device at %#x has zero length: %w", addr, vmmerr.ErrZeroLength)
	}
	end := addr + length

	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].addr >= addr })
	if i > 0 && t.entries[i-1].end > addr {
		return fmt.Errorf("devicetree: device [%#x,%#x) overlaps [%#x,%#x): %w",
			addr, end, t.entries[i-1].addr, t.entries[i-1].end, vmmerr.ErrDeviceOverlap)
	}
	if i < len(t.entries) && end > t.entries[i].addr {
		return fmt.Errorf("devicetree: device [%#x,%#x) overlaps [%#x,%#x): %w",
			addr, end, t.entries[i].addr, t.entries[i].end, vmmerr.ErrDeviceOverlap)
	}

	t.entries = append(t.entries, entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = entry{addr: addr, end: end, device: d}
	return nil
}

// Freeze marks the tree read-only. RunLoop only ever sees a frozen tree
// (built before any CPU thread starts), matching the "index + arena"
// treatment of what was a cyclic graph in the original design.
func (t *Tree) Freeze() { t.frozen = true }

// RangeAt returns the device whose range contains addr, or ok=false. It finds
// the device with the greatest start <= addr and then checks addr < device
// end itself, so an address past that device's end also yields ok=false.
func (t *Tree) RangeAt(addr uint64) (Device, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].addr > addr }) - 1
	if i < 0 {
		return nil, false
	}
	if addr >= t.entries[i].end {
		return nil, false
	}
	return t.entries[i].device, true
}

// Iter calls fn for every device in ascending GPA order.
func (t *Tree) Iter(fn func(addr uint64, d Device)) {
	for _, e := range t.entries {
		fn(e.addr, e.device)
	}
}

// MaxEnd returns the end GPA of the device with the greatest address, or 0
// if the tree is empty. RamBuilder starts its physical bump cursor here, so
// the kernel's physical region lies above every device.
func (t *Tree) MaxEnd() uint64 {
	if len(t.entries) == 0 {
		return 0
	}
	return t.entries[len(t.entries)-1].end
}
