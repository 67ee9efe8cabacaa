//go:build windows

// Windows Hypervisor Platform backend. Not implemented: the retrieved
// example pack carries no WHP bindings, so New only validates its contract
// against ErrPlatformUnsupported rather than guessing at a wire format.
package hypervisor

import (
	"example.com/obvmm/core_engine/ram"
	"example.com/obvmm/core_engine/vmmerr"
)

// New mirrors kvm_linux.go's New so callers can build this package on
// Windows, but a WHP-backed VM cannot be created yet.
func New(arch Arch, cpuCount int, ramSize, ramBlockSize uint64, debug bool) (*WHP, error) {
	return nil, vmmerr.ErrPlatformUnsupported
}

// WHP is the not-yet-implemented Windows Hypervisor Platform backend. Its
// method set exists only to satisfy the Hypervisor interface at compile
// time; every method is unreachable since New always fails.
type WHP struct{}

func (w *WHP) Ram() *ram.RAM          { panic("unreachable: WHP.New always fails") }
func (w *WHP) CPUFeatures() CPUFeats  { panic("unreachable: WHP.New always fails") }
func (w *WHP) CreateCPU(id int) (CPU, error) {
	return nil, vmmerr.ErrPlatformUnsupported
}
func (w *WHP) Close() error { return nil }

// HostPageSize reports a conservative default; no WHP backend exists yet to
// query the real value.
func HostPageSize() uint64 { return 4096 }
