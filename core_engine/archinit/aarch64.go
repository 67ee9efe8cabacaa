package archinit

import (
	"fmt"

	"example.com/obvmm/core_engine/hypervisor"
	"example.com/obvmm/core_engine/rambuilder"
	"example.com/obvmm/core_engine/vmmerr"
)

// ID_AA64MMFR0_EL1 field positions (ARM ARM D17.2.64).
const (
	mmfr0ParangeShift = 0
	mmfr0ParangeMask  = 0xF
	mmfr0TGran16Shift = 20
	mmfr0TGran16Mask  = 0xF
)

// paRangeFloor is the minimum accepted ID_AA64MMFR0_EL1.PARange encoding
// (0b0010 = 40 bits), the conservative floor this module's Open Question
// decision settled on rather than the spec's bare "≥36 bits" wording.
const paRangeFloor = 0b0010

// SCTLR_EL1 bits.
const (
	sctlrM = 1 << 0
	sctlrC = 1 << 2
	sctlrI = 1 << 12
)

// TCR_EL1 fields relevant to the TTBR1 (kernel) walk.
const (
	tcrT1SZShift = 16
	tcrT1SZ48bit = 16 // T1SZ = 64 - 48

	tcrTG1Shift  = 30
	tcrTG1_16KiB = 0b01

	tcrIPSShift = 32
)

func mmfrField(v uint64, shift, mask uint) uint64 {
	return (v >> shift) & uint64(mask)
}

// validateAndBuildTCR checks MMFR0.TGran16/PARange and returns the TCR_EL1
// value for a 48-bit VA, 16 KiB granule, TTBR1 walk. Pulled out of
// SetupAArch64 so the MMFR-gating logic is testable without a real vCPU.
func validateAndBuildTCR(feats hypervisor.CPUFeats) (uint64, error) {
	tGran16 := mmfrField(feats.MMFR0, mmfr0TGran16Shift, mmfr0TGran16Mask)
	if tGran16 == 0 {
		return 0, fmt.Errorf("archinit: MMFR0.TGran16=0, 16 KiB pages unsupported: %w", vmmerr.ErrPageSizeNotSupported)
	}

	paRange := mmfrField(feats.MMFR0, mmfr0ParangeShift, mmfr0ParangeMask)
	if paRange < paRangeFloor {
		return 0, fmt.Errorf("archinit: MMFR0.PARange=%d below floor %d: %w", paRange, paRangeFloor, vmmerr.ErrPhysicalAddressTooSmall)
	}

	tcr := uint64(tcrT1SZ48bit)<<tcrT1SZShift |
		uint64(tcrTG1_16KiB)<<tcrTG1Shift |
		paRange<<tcrIPSShift
	return tcr, nil
}

// SetupAArch64 implements spec section 4.7's AArch64 path: MMFR0-gated page
// size and physical range validation, MAIR/TCR/TTBR1/SCTLR programming, and
// PC/SP/x0/x1 for kernel entry.
func SetupAArch64(cpu *hypervisor.AArch64CPU, entry uint64, m *rambuilder.RamMap, feats hypervisor.CPUFeats) error {
	tcr, err := validateAndBuildTCR(feats)
	if err != nil {
		return fmt.Errorf("archinit.SetupAArch64: %w", err)
	}

	states := hypervisor.AArch64States{
		PC:    entry,
		SP:    m.StackVaddr + m.StackLen,
		X0:    m.EnvVaddr,
		X1:    m.ConfVaddr,
		SCTLR: sctlrM | sctlrC | sctlrI,
		TCR:   tcr,
		MAIR:  m.MemoryAttrs,
		TTBR1: m.PageTable,
	}

	return cpu.Commit(states)
}
