package core_engine

import (
	"testing"

	"example.com/obvmm/core_engine/hypervisor"
	"example.com/obvmm/core_engine/kernelimage"
	"example.com/obvmm/core_engine/rambuilder"
)

func TestNewReturnsErrorForMissingKernelImage(t *testing.T) {
	_, err := New(Config{KernelPath: "/nonexistent/kernel.elf", NumVCPUs: 1, RAMSize: 1 << 20})
	if err == nil {
		t.Fatalf("expected an error opening a nonexistent kernel image")
	}
}

func TestArchPairMapsConsistently(t *testing.T) {
	hv, rb := archPair(ArchX86_64)
	if hv != hypervisor.ArchX86_64 || rb != rambuilder.ArchX86_64 {
		t.Fatalf("archPair(ArchX86_64) = (%v, %v)", hv, rb)
	}

	hv, rb = archPair(ArchAArch64)
	if hv != hypervisor.ArchAArch64 || rb != rambuilder.ArchAArch64 {
		t.Fatalf("archPair(ArchAArch64) = (%v, %v)", hv, rb)
	}
}

func TestKernelExtentSpansAllLoadsRelativeToFirst(t *testing.T) {
	kern := &kernelimage.Validated{
		Loads: []kernelimage.ProgramHeader{
			{Vaddr: 0x1000, Memsz: 0x2000},
			{Vaddr: 0x4000, Memsz: 0x100},
		},
	}
	// Second load ends at (0x4000-0x1000)+0x100 = 0x3100, which is the
	// larger of the two extents relative to the first load's base.
	if got, want := kernelExtent(kern), uint64(0x3100); got != want {
		t.Fatalf("kernelExtent = %#x, want %#x", got, want)
	}
}

func TestKernelExtentSingleLoad(t *testing.T) {
	kern := &kernelimage.Validated{
		Loads: []kernelimage.ProgramHeader{{Vaddr: 0x1000, Memsz: 0x500}},
	}
	if got, want := kernelExtent(kern), uint64(0x500); got != want {
		t.Fatalf("kernelExtent = %#x, want %#x", got, want)
	}
}
