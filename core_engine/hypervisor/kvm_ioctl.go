//go:build linux

package hypervisor

// Linux ioctl request numbers, computed the way linux/ioctl.h's _IO/_IOR/
// _IOW/_IOWR macros do rather than hand-copied as opaque hex literals like
// the placeholder values this package used to carry. KVMIO and every
// request's (nr, size) pair below are cross-checked against the retrieved
// gokvm family's hand-copied constants (bobuhiro11-gokvm, linuxboot-gokvm).
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocDirNone  = 0
	iocDirWrite = 1
	iocDirRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func io_(typ, nr uintptr) uintptr             { return ioc(iocDirNone, typ, nr, 0) }
func ior(typ, nr, size uintptr) uintptr       { return ioc(iocDirRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr       { return ioc(iocDirWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr      { return ioc(iocDirRead|iocDirWrite, typ, nr, size) }

const kvmIO = 0xAE

var (
	kvmGetAPIVersion       = io_(kvmIO, 0x00)
	kvmCreateVM            = io_(kvmIO, 0x01)
	kvmCheckExtension      = io_(kvmIO, 0x03)
	kvmGetVCPUMmapSize     = io_(kvmIO, 0x04)
	kvmGetSupportedCPUID   = iowr(kvmIO, 0x05, 8)
	kvmCreateVCPU          = io_(kvmIO, 0x41)
	kvmSetUserMemoryRegion = iow(kvmIO, 0x46, 32)
	kvmGetRegs             = ior(kvmIO, 0x81, 144)
	kvmSetRegs             = iow(kvmIO, 0x82, 144)
	kvmGetSregs            = ior(kvmIO, 0x83, 312)
	kvmSetSregs            = iow(kvmIO, 0x84, 312)
	kvmSetCPUID2           = iow(kvmIO, 0x90, 8)
	kvmRun                 = io_(kvmIO, 0x80)
	kvmGetOneReg           = iow(kvmIO, 0xab, 16)
	kvmSetOneReg           = iow(kvmIO, 0xac, 16)
	kvmArmVCPUInit         = iow(kvmIO, 0xae, 32)
	kvmArmPreferredTarget  = ior(kvmIO, 0xaf, 32)
	kvmSetGuestDebug       = iow(kvmIO, 0x9b, 200)
)

// KVM capability numbers (linux/kvm.h).
const (
	kvmCapExtCPUID         = 7
	kvmCapMaxVCPUs         = 66
	kvmCapSetGuestDebug    = 50
	kvmCapOneReg           = 70
	kvmCapArmVMIPASize     = 165
)

// KVM_EXIT_* reasons (linux/kvm.h), cross-checked against the gokvm family.
const (
	kvmExitUnknown   = 0
	kvmExitException = 1
	kvmExitIO        = 2
	kvmExitHypercall = 3
	kvmExitDebug     = 4
	kvmExitHlt       = 5
	kvmExitMMIO      = 6
	kvmExitShutdown  = 8
	kvmExitFailEntry = 9
	kvmExitIntr      = 10
)

const kvmGuestDebugEnable = 1
const kvmGuestDebugUseSWBp = 1 << 16

const kvmAPIVersion = 12
