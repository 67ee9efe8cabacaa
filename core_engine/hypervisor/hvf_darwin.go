//go:build darwin

// Hypervisor.framework (HVF) backend. Not implemented: the retrieved
// example pack carries no HVF/cgo bindings, so New only validates its
// contract against ErrPlatformUnsupported rather than guessing at one.
package hypervisor

import (
	"example.com/obvmm/core_engine/ram"
	"example.com/obvmm/core_engine/vmmerr"
)

// New mirrors kvm_linux.go's New so callers can build this package on
// macOS, but an HVF-backed VM cannot be created yet.
func New(arch Arch, cpuCount int, ramSize, ramBlockSize uint64, debug bool) (*HVF, error) {
	return nil, vmmerr.ErrPlatformUnsupported
}

// HVF is the not-yet-implemented Hypervisor.framework backend. Its method
// set exists only to satisfy the Hypervisor interface at compile time;
// every method is unreachable since New always fails.
type HVF struct{}

func (h *HVF) Ram() *ram.RAM                 { panic("unreachable: HVF.New always fails") }
func (h *HVF) CPUFeatures() CPUFeats         { panic("unreachable: HVF.New always fails") }
func (h *HVF) CreateCPU(id int) (CPU, error) { return nil, vmmerr.ErrPlatformUnsupported }
func (h *HVF) Close() error                  { return nil }

// HostPageSize reports a conservative default; no HVF backend exists yet to
// query the real value.
func HostPageSize() uint64 { return 4096 }
