package archinit

import (
	"errors"
	"testing"

	"example.com/obvmm/core_engine/hypervisor"
	"example.com/obvmm/core_engine/vmmerr"
)

func TestValidateAndBuildTCRRejectsNoTGran16(t *testing.T) {
	feats := hypervisor.CPUFeats{MMFR0: uint64(paRangeFloor) << mmfr0ParangeShift} // TGran16 field left 0
	if _, err := validateAndBuildTCR(feats); !errors.Is(err, vmmerr.ErrPageSizeNotSupported) {
		t.Fatalf("err = %v, want ErrPageSizeNotSupported", err)
	}
}

func TestValidateAndBuildTCRRejectsSmallPARange(t *testing.T) {
	feats := hypervisor.CPUFeats{MMFR0: uint64(1) << mmfr0TGran16Shift} // TGran16=1, PARange=0
	if _, err := validateAndBuildTCR(feats); !errors.Is(err, vmmerr.ErrPhysicalAddressTooSmall) {
		t.Fatalf("err = %v, want ErrPhysicalAddressTooSmall", err)
	}
}

func TestValidateAndBuildTCRHappyPath(t *testing.T) {
	feats := hypervisor.CPUFeats{
		MMFR0: uint64(1)<<mmfr0TGran16Shift | uint64(paRangeFloor)<<mmfr0ParangeShift,
	}
	tcr, err := validateAndBuildTCR(feats)
	if err != nil {
		t.Fatalf("validateAndBuildTCR: %v", err)
	}
	if got := (tcr >> tcrT1SZShift) & 0x3F; got != tcrT1SZ48bit {
		t.Fatalf("T1SZ = %d, want %d", got, tcrT1SZ48bit)
	}
	if got := (tcr >> tcrTG1Shift) & 0x3; got != tcrTG1_16KiB {
		t.Fatalf("TG1 = %d, want %d", got, tcrTG1_16KiB)
	}
	if got := (tcr >> tcrIPSShift) & 0x7; got != paRangeFloor {
		t.Fatalf("IPS = %d, want %d", got, paRangeFloor)
	}
}
