//go:build linux

// KVM backend. Construction choreography (API version check, capability
// checks, grow-and-retry CPUID fetch, KVM_CREATE_VM, KVM_SET_USER_MEMORY_REGION
// slot 0, per-CPU creation order, MMFR feature snapshot) is grounded on
// _examples/original_source/lib/hv/src/linux/mod.rs. Struct layouts and the
// raw-ioctl calling convention are adapted from core_engine's former
// hypervisor/kvm.go (since removed), whose placeholder request numbers were
// replaced with the precise ones in kvm_ioctl.go.
package hypervisor

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"example.com/obvmm/core_engine/ram"
	"example.com/obvmm/core_engine/vmmerr"
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type kvmDTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type kvmSregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT kvmSegment
	GDT, IDT                        kvmDTable
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER                            uint64
	ApicBase                        uint64
	InterruptBitmap                 [4]uint64
}

type kvmOneReg struct {
	ID   uint64
	Addr uint64
}

type kvmVCPUInit struct {
	Target   uint32
	Features [7]uint32
}

func doIoctl(fd int, req uintptr, arg uintptr) error {
	for {
		_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, arg)
		if errno == 0 {
			return nil
		}
		if errno == syscall.EINTR {
			continue
		}
		return errno
	}
}

func checkExtension(kvmFD int, cap uintptr) (int, error) {
	var ret uintptr
	// KVM_CHECK_EXTENSION's "arg" is the capability number, its return
	// value (not an out-param) is the extension's support level.
	r1, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(kvmFD), kvmCheckExtension, cap)
	ret = r1
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

// KVM is the Linux hypervisor backend.
type KVM struct {
	kvmFD int
	vmFD  int
	arch  Arch
	debug bool

	mmapSize int

	ram *ram.RAM

	feats CPUFeats

	mu       sync.Mutex
	cpus     map[int]bool
	x86CPUID []byte // raw kvm_cpuid2 buffer from KVM_GET_SUPPORTED_CPUID, x86-64 only
}

// New constructs a KVM-backed VM: it opens /dev/kvm, validates host
// capabilities, and reserves and maps RAM as guest memory. CPU features are
// not read here; CreateCPU(0) snapshots them on AArch64. Drop order is RAM-last: Close must be called before the RAM
// reservation (owned by this KVM handle) is released, which is exactly
// what Close itself does.
func New(arch Arch, cpuCount int, ramSize, ramBlockSize uint64, debug bool) (*KVM, error) {
	kvmFD, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor.New: open /dev/kvm: %w: %w", err, vmmerr.ErrHypervisorUnavailable)
	}

	version, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(kvmFD), kvmGetAPIVersion, 0)
	if errno != 0 {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor.New: KVM_GET_API_VERSION: %w: %w", errno, vmmerr.ErrHypervisorUnavailable)
	}
	if version != kvmAPIVersion {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor.New: KVM API version %d != %d: %w", version, kvmAPIVersion, vmmerr.ErrHypervisorUnavailable)
	}

	maxVCPUs, err := checkExtension(kvmFD, kvmCapMaxVCPUs)
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor.New: KVM_CAP_MAX_VCPUS: %w", err)
	}
	if maxVCPUs < cpuCount {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor.New: host supports %d vCPUs, need %d: %w", maxVCPUs, cpuCount, vmmerr.ErrTooFewVCPUs)
	}

	var createType uintptr
	var x86CPUID []byte

	switch arch {
	case ArchAArch64:
		if v, err := checkExtension(kvmFD, kvmCapOneReg); err != nil || v == 0 {
			unix.Close(kvmFD)
			return nil, fmt.Errorf("hypervisor.New: KVM_CAP_ONE_REG unavailable: %w", vmmerr.ErrHypervisorUnavailable)
		}
		ipaSize, err := checkExtension(kvmFD, kvmCapArmVMIPASize)
		if err != nil || ipaSize < 36 {
			unix.Close(kvmFD)
			return nil, fmt.Errorf("hypervisor.New: KVM_CAP_ARM_VM_IPA_SIZE %d < 36: %w", ipaSize, vmmerr.ErrHypervisorUnavailable)
		}
		createType = 36 // IPA size encoded directly in KVM_CREATE_VM's type
	case ArchX86_64:
		if v, err := checkExtension(kvmFD, kvmCapExtCPUID); err != nil || v == 0 {
			unix.Close(kvmFD)
			return nil, fmt.Errorf("hypervisor.New: KVM_CAP_EXT_CPUID unavailable: %w", vmmerr.ErrHypervisorUnavailable)
		}
		x86CPUID, err = fetchSupportedCPUID(kvmFD)
		if err != nil {
			unix.Close(kvmFD)
			return nil, fmt.Errorf("hypervisor.New: KVM_GET_SUPPORTED_CPUID: %w", err)
		}
	}

	if debug {
		if v, err := checkExtension(kvmFD, kvmCapSetGuestDebug); err != nil || v == 0 {
			unix.Close(kvmFD)
			return nil, fmt.Errorf("hypervisor.New: KVM_CAP_SET_GUEST_DEBUG unavailable: %w", vmmerr.ErrDebugUnsupported)
		}
	}

	mmapSizeR, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(kvmFD), kvmGetVCPUMmapSize, 0)
	if errno != 0 {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor.New: KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}

	vmFDRaw, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(kvmFD), kvmCreateVM, createType)
	if errno != 0 {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor.New: KVM_CREATE_VM: %w", errno)
	}
	vmFD := int(vmFDRaw)

	r, err := ram.New(ramSize, ramBlockSize)
	if err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor.New: %w", err)
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    ramSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(r.HostAddr()))),
	}
	if err := doIoctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		r.Close()
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor.New: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	k := &KVM{
		kvmFD:    kvmFD,
		vmFD:     vmFD,
		arch:     arch,
		debug:    debug,
		mmapSize: int(mmapSizeR),
		ram:      r,
		cpus:     make(map[int]bool),
		x86CPUID: x86CPUID,
	}

	return k, nil
}

// kvmCPUIDEntrySize is sizeof(struct kvm_cpuid_entry2): function, index,
// flags, eax, ebx, ecx, edx, padding[3] (7 uint32 + 3 uint32 padding).
const kvmCPUIDEntrySize = 40

// fetchSupportedCPUID grows its entry buffer and retries on E2BIG, the
// choreography KVM_GET_SUPPORTED_CPUID requires because the entry count is
// unknown up front. The returned buffer is struct kvm_cpuid2 (nent uint32,
// padding uint32, entries[nent]) and is reused as-is for KVM_SET_CPUID2.
func fetchSupportedCPUID(kvmFD int) ([]byte, error) {
	n := uint32(32)
	for {
		buf := make([]byte, 8+int(n)*kvmCPUIDEntrySize)
		*(*uint32)(unsafe.Pointer(&buf[0])) = n
		err := doIoctl(kvmFD, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(&buf[0])))
		if err == nil {
			return buf, nil
		}
		if err == syscall.E2BIG {
			n *= 2
			continue
		}
		return nil, err
	}
}

func (k *KVM) Ram() *ram.RAM            { return k.ram }
func (k *KVM) CPUFeatures() CPUFeats    { return k.feats }

// CreateCPU creates vCPU id, enforcing the "active at most once" invariant
// with a mutex-guarded id map the way the source this is grounded on uses a
// per-slot try_lock.
func (k *KVM) CreateCPU(id int) (CPU, error) {
	k.mu.Lock()
	if k.cpus[id] {
		k.mu.Unlock()
		return nil, fmt.Errorf("hypervisor.CreateCPU(%d): %w", id, vmmerr.ErrDuplicatedID)
	}
	k.cpus[id] = true
	k.mu.Unlock()

	fdRaw, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(k.vmFD), kvmCreateVCPU, uintptr(id))
	if errno != 0 {
		return nil, fmt.Errorf("hypervisor.CreateCPU(%d): KVM_CREATE_VCPU: %w", id, errno)
	}
	fd := int(fdRaw)

	runRegion, err := unix.Mmap(fd, 0, k.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hypervisor.CreateCPU(%d): mmap kvm_run: %w", id, err)
	}

	switch k.arch {
	case ArchX86_64:
		if len(k.x86CPUID) > 0 {
			if err := doIoctl(fd, kvmSetCPUID2, uintptr(unsafe.Pointer(&k.x86CPUID[0]))); err != nil {
				unix.Munmap(runRegion)
				unix.Close(fd)
				return nil, fmt.Errorf("hypervisor.CreateCPU(%d): KVM_SET_CPUID2: %w", id, err)
			}
		}
		if k.debug {
			setGuestDebug(fd)
		}
		return &X86CPU{fd: fd, run: runRegion}, nil
	case ArchAArch64:
		var pref kvmVCPUInit
		if err := doIoctl(k.vmFD, kvmArmPreferredTarget, uintptr(unsafe.Pointer(&pref))); err != nil {
			unix.Munmap(runRegion)
			unix.Close(fd)
			return nil, fmt.Errorf("hypervisor.CreateCPU(%d): KVM_ARM_PREFERRED_TARGET: %w", id, err)
		}
		if err := doIoctl(fd, kvmArmVCPUInit, uintptr(unsafe.Pointer(&pref))); err != nil {
			unix.Munmap(runRegion)
			unix.Close(fd)
			return nil, fmt.Errorf("hypervisor.CreateCPU(%d): KVM_ARM_VCPU_INIT: %w", id, err)
		}
		if k.debug {
			setGuestDebug(fd)
		}
		if id == 0 {
			k.feats = loadAArch64Feats(fd)
		}
		return &AArch64CPU{fd: fd, run: runRegion}, nil
	default:
		unix.Munmap(runRegion)
		unix.Close(fd)
		return nil, fmt.Errorf("hypervisor.CreateCPU(%d): unknown arch", id)
	}
}

func setGuestDebug(fd int) {
	buf := make([]byte, 208)
	*(*uint32)(unsafe.Pointer(&buf[0])) = kvmGuestDebugEnable | kvmGuestDebugUseSWBp
	doIoctl(fd, kvmSetGuestDebug, uintptr(unsafe.Pointer(&buf[0])))
}

func loadAArch64Feats(fd int) CPUFeats {
	get := func(crm, op2 uint64) uint64 {
		const (
			kvmRegArm64       = 0x6000000000000000
			kvmRegSizeU64     = 0x0030000000000000
			kvmRegArm64Sysreg = 0x0013 << 16
		)
		op0, op1, crn := uint64(3), uint64(0), uint64(0)
		id := kvmRegArm64 | kvmRegSizeU64 | uint64(kvmRegArm64Sysreg) |
			(op0 << 14) | (op1 << 11) | (crn << 7) | (crm << 3) | op2
		var val uint64
		reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&val)))}
		if err := doIoctl(fd, kvmGetOneReg, uintptr(unsafe.Pointer(&reg))); err != nil {
			return 0
		}
		return val
	}
	return CPUFeats{
		MMFR0: get(7, 0),
		MMFR1: get(7, 1),
		MMFR2: get(7, 2),
	}
}

// Close deletes the VM handle, then releases the RAM reservation it owns.
// This ordering is the "RAM is last" rule.
func (k *KVM) Close() error {
	err1 := unix.Close(k.vmFD)
	err2 := k.ram.Close()
	err3 := unix.Close(k.kvmFD)
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

// HostPageSize discovers the host's page size, used to compute
// block_size = max(vm_page_size, host_page_size).
func HostPageSize() uint64 {
	return uint64(unix.Getpagesize())
}
