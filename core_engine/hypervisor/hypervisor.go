// Package hypervisor abstracts one hardware hypervisor backend (KVM on
// Linux; WHP and HVF mirror the same contract on Windows and macOS). It
// creates a VM, maps RAM as guest memory, enumerates vCPUs, and returns a
// CPU feature snapshot.
package hypervisor

import "example.com/obvmm/core_engine/ram"

// Arch selects which vCPU construction/feature-snapshot path a backend's
// New takes.
type Arch int

const (
	ArchX86_64 Arch = iota
	ArchAArch64
)

// CPUFeats is an immutable snapshot of architectural feature registers used
// for guest-CPU setup decisions. On x86-64 it is empty; on AArch64 it holds
// the three MMFR registers.
type CPUFeats struct {
	MMFR0, MMFR1, MMFR2 uint64
}

// ExitKind is the vCPU exit discriminant. This is a closed tagged variant,
// not open polymorphism: Halt, Io, and Debug are the only exit kinds the
// core understands.
type ExitKind int

const (
	ExitHalt ExitKind = iota
	ExitIo
	ExitDebug
)

// Exit is what CPU.Run returns. Only the field matching Kind is meaningful.
type Exit struct {
	Kind ExitKind
	Io   IoExit
}

// IoExit carries the GPA and data buffer of an MMIO exit. Translate maps a
// guest-virtual address to its guest-physical address for backends that
// expose it; callers that don't need it may ignore it.
type IoExit struct {
	Addr      uint64
	Buffer    []byte
	IsWrite   bool
	Translate func(vaddr uint64) (uint64, error)
}

// CPU is the common surface every vCPU handle exposes regardless of
// architecture. Register access is architecture-specific and lives on the
// concrete CPU types (X86CPU, AArch64CPU) returned by a Hypervisor.
type CPU interface {
	// Run blocks until an exit is produced or the backend reports a
	// non-recoverable error. EINTR is retried locally and never observed
	// here.
	Run() (Exit, error)

	// CommitIoResult writes a read exit's result bytes back into the
	// backend's exit structure before the next Run call. Callers only
	// need this after an Io exit with IsWrite == false.
	CommitIoResult(data []byte)

	// Close deletes the vCPU in the backend.
	Close() error
}

// Hypervisor is implemented once per backend (KVM, WHP, HVF).
type Hypervisor interface {
	// Ram returns the guest RAM reservation this hypervisor mapped as
	// guest memory at construction time.
	Ram() *ram.RAM

	// CPUFeatures returns the feature snapshot. The KVM backend takes it
	// when vCPU 0 is created (AArch64 only); before that it is all zero.
	CPUFeatures() CPUFeats

	// CreateCPU creates vCPU id. A given id may be active at most once;
	// a duplicate request returns vmmerr.ErrDuplicatedID.
	CreateCPU(id int) (CPU, error)

	// Close deletes the VM handle. The VM handle must be closed before
	// the RAM reservation is released (RAM is last); callers that also
	// own the RAM must call Close here before releasing it.
	Close() error
}
