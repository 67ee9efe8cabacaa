// Package archinit programs a freshly created vCPU so that, on its first
// run(), it begins executing the guest kernel at its entry address with
// paging enabled and a stack in place — the "setup main CPU" step between
// RamBuilder.Build and the run loop. The per-architecture register bit
// names mirror spec section 4.7 directly; the x86-64 segment access-byte
// field names (Type, S, DPL, P, G, D/B, L) follow the same descriptor
// layout the teacher's now-removed real-mode GDT builder used, carried
// forward into the long-mode attribute set KVM_SET_SREGS expects directly
// (no in-memory GDT table is needed; KVM takes decoded segment fields).
package archinit

import (
	"example.com/obvmm/core_engine/hypervisor"
	"example.com/obvmm/core_engine/rambuilder"
)

// x86-64 register bits named directly after spec section 4.7.
const (
	cr0PE = 1 << 0
	cr0WP = 1 << 16
	cr0PG = 1 << 31

	cr4PAE = 1 << 5
	cr4PSE = 1 << 4
	cr4MCE = 1 << 6

	eferLME = 1 << 8
	eferLMA = 1 << 10
	eferNXE = 1 << 11
)

// Segment access-byte type fields.
const (
	segTypeCodeExecRead = 0b1010
	segTypeDataWrite    = 0b0010
)

// SetupX86_64 implements spec section 4.7's x86-64 path: CR0/CR4/EFER/CR3,
// long-mode CS/flat DS, RIP/RSP, and the RDI/RSI boot-argument registers.
func SetupX86_64(cpu *hypervisor.X86CPU, entry uint64, m *rambuilder.RamMap, enableMCE bool) error {
	cr4 := uint64(cr4PAE | cr4PSE)
	if enableMCE {
		cr4 |= cr4MCE
	}

	states := hypervisor.X86States{
		RIP:  entry,
		RSP:  m.StackVaddr + m.StackLen,
		RDI:  m.EnvVaddr,
		RSI:  m.ConfVaddr,
		CR0:  cr0PE | cr0PG | cr0WP,
		CR3:  m.PageTable,
		CR4:  cr4,
		EFER: eferLME | eferLMA | eferNXE,
		CS:   longModeSegment(segTypeCodeExecRead, true /* CS.L */, false /* CS.D */),
		DS:   longModeSegment(segTypeDataWrite, false, true),
	}

	return cpu.Commit(states)
}

// longModeSegment builds the flat (base 0, limit max, granularity 4 KiB)
// long-mode segment descriptor spec 4.7 calls for: CS.L=1, CS.D=0;
// DS/ES/FS/GS/SS present.
func longModeSegment(segType uint8, l, db bool) hypervisor.SegmentView {
	return hypervisor.SegmentView{
		Limit: 0xFFFFF, Type: segType, DPL: 0,
		Present: true, S: true, L: l, DB: db, G: true,
	}
}
