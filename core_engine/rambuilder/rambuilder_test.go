package rambuilder

import (
	"testing"

	"example.com/obvmm/core_engine/devicetree"
	"example.com/obvmm/core_engine/kernelimage"
	"example.com/obvmm/core_engine/ram"
)

const blockSize = 0x1000

func newX86Builder(t *testing.T, devices *devicetree.Tree) (*Builder, *ram.RAM) {
	t.Helper()
	r, err := ram.New(1<<24, blockSize)
	if err != nil {
		t.Fatalf("ram.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	if devices == nil {
		devices = devicetree.New()
	}
	devices.Freeze()
	return New(r, devices, ArchX86_64), r
}

// minimalKernel mirrors S1: one PT_LOAD, one PT_DYNAMIC with only DT_NULL,
// no relocations.
func minimalKernel(memLen uint64) *kernelimage.Validated {
	return &kernelimage.Validated{
		Loads: []kernelimage.ProgramHeader{
			{Type: 1, Offset: 0, Vaddr: KernVaddr, Filesz: memLen, Memsz: memLen},
		},
		Dynamic:  kernelimage.ProgramHeader{Vaddr: KernVaddr, Memsz: 16},
		PageSize: 0x1000,
	}
}

func TestHappyBootX8664(t *testing.T) {
	b, _ := newX86Builder(t, nil)
	kern := minimalKernel(0x4000)

	lm, err := b.AllocKernel(0x4000)
	if err != nil {
		t.Fatalf("AllocKernel: %v", err)
	}
	// DT_DYNAMIC with only DT_NULL: tag=0, val=0.
	lm.Close()

	if err := b.AllocStack(0x2000); err != nil {
		t.Fatalf("AllocStack: %v", err)
	}
	if err := b.AllocArgs([]byte("env0"), 8, []byte("conf0"), 8); err != nil {
		t.Fatalf("AllocArgs: %v", err)
	}

	m, err := b.Build(kern)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if m.PageTable == 0 {
		t.Fatalf("PageTable GPA is zero")
	}
	if m.KernPaddr != 0 {
		t.Fatalf("KernPaddr = %#x, want 0 (no devices)", m.KernPaddr)
	}
	if m.KernVaddr != KernVaddr {
		t.Fatalf("KernVaddr = %#x, want %#x", m.KernVaddr, uint64(KernVaddr))
	}
	if m.StackVaddr != m.KernVaddr+m.KernLen {
		t.Fatalf("StackVaddr = %#x, want kern_vaddr+kern_len = %#x", m.StackVaddr, m.KernVaddr+m.KernLen)
	}
	if m.EnvVaddr >= m.ConfVaddr {
		t.Fatalf("EnvVaddr %#x should be < ConfVaddr %#x", m.EnvVaddr, m.ConfVaddr)
	}
	argsStart := m.StackVaddr + m.StackLen
	if m.EnvVaddr < argsStart || m.ConfVaddr < argsStart {
		t.Fatalf("args addrs before args region start %#x", argsStart)
	}
}

func TestDeviceIdentityMapX8664(t *testing.T) {
	devices := devicetree.New()
	if err := devices.Insert(0x1000, fakeDevice{0x1000, 0x1000}); err != nil {
		t.Fatalf("Insert device: %v", err)
	}
	b, r := newX86Builder(t, devices)
	kern := minimalKernel(0x4000)

	lm, _ := b.AllocKernel(0x4000)
	lm.Close()
	if err := b.AllocStack(0x2000); err != nil {
		t.Fatalf("AllocStack: %v", err)
	}
	if err := b.AllocArgs([]byte("e"), 8, []byte("c"), 8); err != nil {
		t.Fatalf("AllocArgs: %v", err)
	}

	m, err := b.Build(kern)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	full := unsafeSlice(r.HostAddr(), r.Len())
	pa, ok := walk4K(full, m.PageTable, 0x1000)
	if !ok {
		t.Fatalf("synthetic walk of device VA found no mapping")
	}
	if pa != 0x1000 {
		t.Fatalf("synthetic walk PA = %#x, want 0x1000", pa)
	}
}

func TestDoubleMapPanics(t *testing.T) {
	b, r := newX86Builder(t, nil)
	full := unsafeSlice(r.HostAddr(), r.Len())

	pml4, err := b.allocTable(4096)
	if err != nil {
		t.Fatalf("allocTable: %v", err)
	}
	if err := b.mapPage4K(full, pml4, 0x2000, 0x3000, pte4kPresent|pte4kWrite); err != nil {
		t.Fatalf("first map: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic mapping same VA to a different PA")
		}
	}()
	_ = b.mapPage4K(full, pml4, 0x2000, 0x4000, pte4kPresent|pte4kWrite)
}

func TestIdempotentRemapDoesNotPanic(t *testing.T) {
	b, r := newX86Builder(t, nil)
	full := unsafeSlice(r.HostAddr(), r.Len())

	pml4, err := b.allocTable(4096)
	if err != nil {
		t.Fatalf("allocTable: %v", err)
	}
	if err := b.mapPage4K(full, pml4, 0x2000, 0x3000, pte4kPresent|pte4kWrite); err != nil {
		t.Fatalf("first map: %v", err)
	}
	if err := b.mapPage4K(full, pml4, 0x2000, 0x3000, pte4kPresent|pte4kWrite); err != nil {
		t.Fatalf("idempotent re-map returned an error: %v", err)
	}
}

// walk4K independently re-derives a VA's PA by walking the built tables,
// the S4/invariant-3 "synthetic walk" check.
func walk4K(full []byte, pml4, va uint64) (uint64, bool) {
	pml4i := (va >> 39) & 0x1ff
	pdpti := (va >> 30) & 0x1ff
	pdi := (va >> 21) & 0x1ff
	pti := (va >> 12) & 0x1ff

	table := pml4
	for _, idx := range []uint64{pml4i, pdpti, pdi} {
		entry := readEntry(full, table, idx)
		if entry&pte4kPresent == 0 {
			return 0, false
		}
		table = entry & pte4kAddrMask
	}
	entry := readEntry(full, table, pti)
	if entry&pte4kPresent == 0 {
		return 0, false
	}
	return entry & pte4kAddrMask, true
}

type fakeDevice struct {
	addr, length uint64
}

func (f fakeDevice) Addr() uint64                           { return f.addr }
func (f fakeDevice) Len() uint64                            { return f.length }
func (f fakeDevice) CreateContext() devicetree.DeviceContext { return nil }
