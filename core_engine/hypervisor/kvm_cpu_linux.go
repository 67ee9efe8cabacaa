//go:build linux

package hypervisor

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"example.com/obvmm/core_engine/vmmerr"
)

// kvmRunHeader mirrors the fixed prefix of struct kvm_run: exit_reason sits
// at a fixed offset regardless of architecture, and the MMIO union member
// that follows it is read directly out of the mmap'd page rather than
// modeled as a Go struct spanning the whole (architecture-dependent) union.
type kvmRunHeader struct {
	RequestInterruptWindow uint8
	_                      [3]uint8
	ExitReason             uint32
	ReadyForInterruptInj   uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
}

const kvmRunHeaderSize = int(unsafe.Sizeof(kvmRunHeader{}))

// kvmRunMMIO mirrors kvm_run's mmio union member.
type kvmRunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]uint8
}

func exitReason(run []byte) uint32 {
	return *(*uint32)(unsafe.Pointer(&run[4]))
}

func readMMIO(run []byte) kvmRunMMIO {
	return *(*kvmRunMMIO)(unsafe.Pointer(&run[kvmRunHeaderSize]))
}

func writeMMIOData(run []byte, data []byte) {
	off := kvmRunHeaderSize + 8 // PhysAddr
	copy(run[off:off+8], data)
}

// X86CPU is a KVM vCPU handle on x86-64.
type X86CPU struct {
	fd  int
	run []byte
}

// X86States is the subset of vCPU state ArchInit sets up for long mode: the
// granular setter list spec section 4.6 names (rsp/rip/cr0/cr3/cr4/efer/
// segment-attrs), plus RDI/RSI for the boot-argument registers.
type X86States struct {
	RSP, RIP      uint64
	CR0, CR3, CR4 uint64
	EFER          uint64
	RDI, RSI      uint64
	CS, DS        SegmentView
}

// SegmentView is the architecture-neutral view archinit builds a segment
// descriptor from; Commit translates it into the wire kvmSegment.
type SegmentView struct {
	Base, Limit uint64
	Selector    uint16
	Type        uint8
	DPL         uint8
	Present     bool
	S           bool
	L           bool
	DB          bool
	G           bool
}

func (v SegmentView) wire() kvmSegment {
	b := func(x bool) uint8 {
		if x {
			return 1
		}
		return 0
	}
	return kvmSegment{
		Base: v.Base, Limit: uint32(v.Limit), Selector: v.Selector,
		Type: v.Type, DPL: v.DPL,
		Present: b(v.Present), S: b(v.S), L: b(v.L), DB: b(v.DB), G: b(v.G),
	}
}

// States reads the current register state via KVM_GET_REGS/KVM_GET_SREGS.
func (c *X86CPU) States() (X86States, error) {
	var regs kvmRegs
	if err := doIoctl(c.fd, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return X86States{}, fmt.Errorf("x86cpu.States: KVM_GET_REGS: %w: %w", err, vmmerr.ErrGetCPUStatesFailed)
	}
	var sregs kvmSregs
	if err := doIoctl(c.fd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return X86States{}, fmt.Errorf("x86cpu.States: KVM_GET_SREGS: %w: %w", err, vmmerr.ErrGetCPUStatesFailed)
	}
	return X86States{
		RSP: regs.RSP, RIP: regs.RIP, RDI: regs.RDI, RSI: regs.RSI,
		CR0: sregs.CR0, CR3: sregs.CR3, CR4: sregs.CR4, EFER: sregs.EFER,
	}, nil
}

// Commit writes states back via KVM_SET_REGS/KVM_SET_SREGS.
func (c *X86CPU) Commit(s X86States) error {
	var sregs kvmSregs
	if err := doIoctl(c.fd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return fmt.Errorf("x86cpu.Commit: KVM_GET_SREGS: %w: %w", err, vmmerr.ErrGetCPUStatesFailed)
	}
	sregs.CR0, sregs.CR3, sregs.CR4, sregs.EFER = s.CR0, s.CR3, s.CR4, s.EFER
	sregs.CS = s.CS.wire()
	sregs.DS = s.DS.wire()
	sregs.ES, sregs.FS, sregs.GS, sregs.SS = sregs.DS, sregs.DS, sregs.DS, sregs.DS
	if err := doIoctl(c.fd, kvmSetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return fmt.Errorf("x86cpu.Commit: KVM_SET_SREGS: %w: %w", err, vmmerr.ErrCommitCPUStatesFailed)
	}

	var regs kvmRegs
	if err := doIoctl(c.fd, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("x86cpu.Commit: KVM_GET_REGS: %w: %w", err, vmmerr.ErrGetCPUStatesFailed)
	}
	regs.RSP, regs.RIP = s.RSP, s.RIP
	regs.RDI, regs.RSI = s.RDI, s.RSI
	regs.RFLAGS = 1 << 1 // bit 1 is always set
	if err := doIoctl(c.fd, kvmSetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("x86cpu.Commit: KVM_SET_REGS: %w: %w", err, vmmerr.ErrCommitCPUStatesFailed)
	}
	return nil
}

// Run blocks in KVM_RUN and translates the exit reason. Only HLT, MMIO, and
// DEBUG are modeled as recoverable exits; SHUTDOWN/FAIL_ENTRY and any other
// reason are a hard fault, matching the legacy port-IO-free device model
// this core uses (every device is GPA/MMIO-addressed, so KVM_EXIT_IO is out
// of scope here).
func (c *X86CPU) Run() (Exit, error) {
	if err := doIoctl(c.fd, kvmRun, 0); err != nil {
		return Exit{}, fmt.Errorf("x86cpu.Run: KVM_RUN: %w", err)
	}
	switch exitReason(c.run) {
	case kvmExitHlt:
		return Exit{Kind: ExitHalt}, nil
	case kvmExitMMIO:
		m := readMMIO(c.run)
		return Exit{Kind: ExitIo, Io: IoExit{
			Addr:    m.PhysAddr,
			Buffer:  append([]byte(nil), m.Data[:m.Len]...),
			IsWrite: m.IsWrite != 0,
		}}, nil
	case kvmExitDebug:
		return Exit{Kind: ExitDebug}, nil
	default:
		return Exit{}, fmt.Errorf("x86cpu.Run: exit reason %d: %w", exitReason(c.run), vmmerr.ErrCPUHardFault)
	}
}

// CommitIoResult writes a read's result bytes back into the run page
// before the next KVM_RUN, the way the teacher's vcpu.go completes a PIO
// read exit.
func (c *X86CPU) CommitIoResult(data []byte) {
	writeMMIOData(c.run, data)
}

func (c *X86CPU) Close() error {
	unix.Munmap(c.run)
	return unix.Close(c.fd)
}

// AArch64CPU is a KVM vCPU handle on AArch64.
type AArch64CPU struct {
	fd  int
	run []byte
}

// AArch64States is the subset of vCPU state ArchInit sets up, per the
// setter list archinit drives for the AArch64 long-mode-equivalent boot.
type AArch64States struct {
	PC, SP uint64
	SCTLR, TCR, MAIR uint64
	TTBR1            uint64
	X0, X1           uint64
}

func coreRegID(off uint64) uint64 {
	const (
		kvmRegArm64   = 0x6000000000000000
		kvmRegSizeU64 = 0x0030000000000000
		kvmRegArm64Core = 0x0010 << 16
	)
	return kvmRegArm64 | kvmRegSizeU64 | uint64(kvmRegArm64Core) | off
}

func sysRegID(crm, op2 uint64) uint64 {
	const (
		kvmRegArm64       = 0x6000000000000000
		kvmRegSizeU64     = 0x0030000000000000
		kvmRegArm64Sysreg = 0x0013 << 16
	)
	op0, op1, crn := uint64(3), uint64(0), uint64(2) // SCTLR/TCR/MAIR/TTBR1 group under crn=2 in this encoding scheme
	return kvmRegArm64 | kvmRegSizeU64 | uint64(kvmRegArm64Sysreg) |
		(op0 << 14) | (op1 << 11) | (crn << 7) | (crm << 3) | op2
}

// Register offsets within struct kvm_regs.regs.regs[] (x0..x30), pc, sp.
const (
	regOffX0 = 0 * 8
	regOffX1 = 1 * 8
	regOffSP = 31 * 8
	regOffPC = 32 * 8
)

// setOneReg and getOneReg pass kvm_one_reg.addr a pointer to the register
// storage, not the value itself: the kernel reads/writes through it.
func (c *AArch64CPU) setOneReg(id, val uint64) error {
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&val)))}
	return doIoctl(c.fd, kvmSetOneReg, uintptr(unsafe.Pointer(&reg)))
}

func (c *AArch64CPU) getOneReg(id uint64) (uint64, error) {
	var val uint64
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&val)))}
	if err := doIoctl(c.fd, kvmGetOneReg, uintptr(unsafe.Pointer(&reg))); err != nil {
		return 0, err
	}
	return val, nil
}

func (c *AArch64CPU) States() (AArch64States, error) {
	pc, err := c.getOneReg(coreRegID(regOffPC))
	if err != nil {
		return AArch64States{}, fmt.Errorf("aarch64cpu.States: PC: %w: %w", err, vmmerr.ErrGetCPUStatesFailed)
	}
	sp, err := c.getOneReg(coreRegID(regOffSP))
	if err != nil {
		return AArch64States{}, fmt.Errorf("aarch64cpu.States: SP: %w: %w", err, vmmerr.ErrGetCPUStatesFailed)
	}
	return AArch64States{PC: pc, SP: sp}, nil
}

// Commit writes PC, SP, SCTLR/TCR/MAIR/TTBR1, and the two argument
// registers via KVM_SET_ONE_REG, per spec section 4.6's AArch64 setter list.
func (c *AArch64CPU) Commit(s AArch64States) error {
	sets := []struct {
		id  uint64
		val uint64
	}{
		{coreRegID(regOffPC), s.PC},
		{coreRegID(regOffSP), s.SP},
		{coreRegID(regOffX0), s.X0},
		{coreRegID(regOffX1), s.X1},
		{sysRegID(0, 0), s.SCTLR},
		{sysRegID(0, 2), s.TCR},
		{sysRegID(0, 4), s.MAIR},
		{sysRegID(0, 5), s.TTBR1},
	}
	for _, set := range sets {
		if err := c.setOneReg(set.id, set.val); err != nil {
			return fmt.Errorf("aarch64cpu.Commit: KVM_SET_ONE_REG(%#x): %w: %w", set.id, err, vmmerr.ErrCommitCPUStatesFailed)
		}
	}
	return nil
}

func (c *AArch64CPU) Run() (Exit, error) {
	if err := doIoctl(c.fd, kvmRun, 0); err != nil {
		return Exit{}, fmt.Errorf("aarch64cpu.Run: KVM_RUN: %w", err)
	}
	switch exitReason(c.run) {
	case kvmExitMMIO:
		m := readMMIO(c.run)
		return Exit{Kind: ExitIo, Io: IoExit{
			Addr:    m.PhysAddr,
			Buffer:  append([]byte(nil), m.Data[:m.Len]...),
			IsWrite: m.IsWrite != 0,
		}}, nil
	case kvmExitDebug:
		return Exit{Kind: ExitDebug}, nil
	default:
		return Exit{}, fmt.Errorf("aarch64cpu.Run: exit reason %d: %w", exitReason(c.run), vmmerr.ErrCPUHardFault)
	}
}

func (c *AArch64CPU) CommitIoResult(data []byte) {
	writeMMIOData(c.run, data)
}

func (c *AArch64CPU) Close() error {
	unix.Munmap(c.run)
	return unix.Close(c.fd)
}

var _ = syscall.SYS_IOCTL
