// Package rambuilder is the algorithmic heart of the VMM: it allocates the
// kernel/stack/args regions of guest RAM, builds architecture-specific page
// tables mapping devices, kernel, stack and args into guest-virtual space,
// applies DT_RELA/RELATIVE relocations against the chosen kernel virtual
// base, and produces the finalized RamMap ArchInit consumes.
package rambuilder

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"example.com/obvmm/core_engine/devicetree"
	"example.com/obvmm/core_engine/kernelimage"
	"example.com/obvmm/core_engine/ram"
	"example.com/obvmm/core_engine/vmmerr"
)

// Arch selects the page-table layout Phase B builds.
type Arch int

const (
	ArchX86_64 Arch = iota
	ArchAArch64
)

// KernVaddr is the fixed kernel virtual base on both architectures. ASLR is
// a stated TODO in the source this was modeled on; ours is fixed too.
const KernVaddr = 0xFFFFFFFF_82200000

// x86-64 RELATIVE and AArch64 RELATIVE relocation type codes (low 32 bits
// of r_info).
const (
	relativeX86_64  = 8
	relativeAArch64 = 1027
)

// MAIR attribute indices used by the AArch64 builder.
const (
	attrIdxDevice = 0
	attrIdxNormal = 1
)

// RamMap is the immutable finalized layout Build produces.
type RamMap struct {
	PageSize  uint64
	PageTable uint64 // GPA of the root table

	KernPaddr uint64
	KernVaddr uint64
	KernLen   uint64

	StackVaddr uint64
	StackLen   uint64

	EnvVaddr  uint64
	ConfVaddr uint64

	// MemoryAttrs is the 8-byte MAIR image; only meaningful on AArch64.
	MemoryAttrs uint64
}

// Builder drives the three allocation/build/relocate phases against one RAM
// reservation and one frozen device tree.
type Builder struct {
	ram     *ram.RAM
	devices *devicetree.Tree
	arch    Arch

	next uint64 // bump cursor, GPA

	kernelDone, stackDone, argsDone bool

	kernAddr, kernLen   uint64
	stackAddr, stackLen uint64
	argsAddr, argsLen   uint64
	envOff, confOff     uint64
}

// New starts a builder whose bump cursor begins after the highest device
// end (block-aligned), so the kernel's physical allocation never collides
// with an identity-mapped device range.
func New(r *ram.RAM, devices *devicetree.Tree, arch Arch) *Builder {
	next := alignUp(devices.MaxEnd(), r.BlockSize())
	return &Builder{ram: r, devices: devices, arch: arch, next: next}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// AllocKernel commits the kernel's physical region and returns a lock for
// writing PT_LOAD segments into it. Callable at most once.
func (b *Builder) AllocKernel(length uint64) (*ram.LockedMem, error) {
	if b.kernelDone {
		panic(fmt.Sprintf("rambuilder: AllocKernel called twice: %v", vmmerr.ErrAllocCalledTwice))
	}
	rounded := alignUp(length, b.ram.BlockSize())
	lm, err := b.ram.Alloc(b.next, rounded)
	if err != nil {
		return nil, fmt.Errorf("rambuilder.AllocKernel: %w", err)
	}
	b.kernAddr, b.kernLen = b.next, rounded
	b.next += rounded
	b.kernelDone = true
	return lm, nil
}

// AllocStack commits the guest stack's physical region. Callable at most
// once, and only after AllocKernel.
func (b *Builder) AllocStack(length uint64) error {
	if !b.kernelDone {
		panic("rambuilder: AllocStack before AllocKernel")
	}
	if b.stackDone {
		panic(fmt.Sprintf("rambuilder: AllocStack called twice: %v", vmmerr.ErrAllocCalledTwice))
	}
	rounded := alignUp(length, b.ram.BlockSize())
	lm, err := b.ram.Alloc(b.next, rounded)
	if err != nil {
		return fmt.Errorf("rambuilder.AllocStack: %w", err)
	}
	lm.Close()
	b.stackAddr, b.stackLen = b.next, rounded
	b.next += rounded
	b.stackDone = true
	return nil
}

// AllocArgs lays out env immediately followed by conf (each at its own
// natural alignment, both of which must be <= block size per the boot
// contract), commits the region, and writes both byte payloads. The
// payloads' binary layout is the embedding kernel's concern, not this
// package's; AllocArgs only places and copies bytes.
func (b *Builder) AllocArgs(env []byte, envAlign uint64, conf []byte, confAlign uint64) error {
	if !b.stackDone {
		panic("rambuilder: AllocArgs before AllocStack")
	}
	if b.argsDone {
		panic(fmt.Sprintf("rambuilder: AllocArgs called twice: %v", vmmerr.ErrAllocCalledTwice))
	}

	envOff := uint64(0)
	confOff := alignUp(uint64(len(env)), confAlign)
	total := confOff + uint64(len(conf))
	rounded := alignUp(total, b.ram.BlockSize())

	lm, err := b.ram.Alloc(b.next, rounded)
	if err != nil {
		return fmt.Errorf("rambuilder.AllocArgs: %w", err)
	}
	defer lm.Close()

	buf := lm.Bytes()
	copy(buf[envOff:], env)
	copy(buf[confOff:], conf)

	b.argsAddr, b.argsLen = b.next, rounded
	b.envOff, b.confOff = envOff, confOff
	b.next += rounded
	b.argsDone = true
	return nil
}

// full is the privileged raw view over the whole reservation. Only this
// package's page-table writer uses it; the relocator and everything else in
// the VMM go through LockedMem.
func (b *Builder) full() []byte {
	base := b.ram.HostAddr()
	if base == nil {
		return nil
	}
	return unsafeSlice(base, b.ram.Len())
}

// Build runs Phase B (page tables) then Phase C (relocation) and returns
// the finalized RamMap.
func (b *Builder) Build(kern *kernelimage.Validated) (*RamMap, error) {
	if !b.argsDone {
		panic("rambuilder: Build before AllocArgs")
	}

	m := &RamMap{
		PageSize:   kern.PageSize,
		KernPaddr:  b.kernAddr,
		KernVaddr:  KernVaddr,
		KernLen:    b.kernLen,
		StackVaddr: KernVaddr + b.kernLen,
		StackLen:   b.stackLen,
		EnvVaddr:   KernVaddr + b.kernLen + b.stackLen + b.envOff,
		ConfVaddr:  KernVaddr + b.kernLen + b.stackLen + b.confOff,
	}

	switch b.arch {
	case ArchX86_64:
		root, err := b.build4K(m)
		if err != nil {
			return nil, err
		}
		m.PageTable = root
	case ArchAArch64:
		root, err := b.build16K(m)
		if err != nil {
			return nil, err
		}
		m.PageTable = root
		m.MemoryAttrs = mairImage()
	default:
		return nil, fmt.Errorf("rambuilder.Build: unknown arch %d", b.arch)
	}

	if err := b.relocate(m, kern); err != nil {
		return nil, err
	}

	if b.arch == ArchAArch64 {
		releaseFence()
	}

	return m, nil
}

func mairImage() uint64 {
	// [Device-nGnRnE, Normal WBWA-RWA, 0,0,0,0,0,0], one byte per AttrIndx.
	attrs := [8]byte{0x00, 0xff, 0, 0, 0, 0, 0, 0}
	return binary.LittleEndian.Uint64(attrs[:])
}

func releaseFence() {
	var guard atomic.Uint32
	guard.Store(1)
}

// relocate re-reads the committed kernel bytes through a fresh lock,
// locates PT_DYNAMIC's DT_RELA/DT_RELASZ pair, and rewrites RELATIVE
// relocations to kernVaddr + addend.
func (b *Builder) relocate(m *RamMap, kern *kernelimage.Validated) error {
	dyn := kern.Dynamic
	if dyn.Memsz%16 != 0 {
		return fmt.Errorf("rambuilder.relocate: PT_DYNAMIC memsz %#x not a multiple of 16: %w", dyn.Memsz, vmmerr.ErrInvalidDynamicLinking)
	}

	lm, err := b.ram.Lock(b.kernAddr, b.kernLen)
	if err != nil {
		return fmt.Errorf("rambuilder.relocate: lock kernel: %w", err)
	}
	defer lm.Close()
	kernBytes := lm.Bytes()

	if dyn.Vaddr < m.KernVaddr {
		return fmt.Errorf("rambuilder.relocate: PT_DYNAMIC vaddr below kernel base: %w", vmmerr.ErrInvalidDynamicLinking)
	}
	dynOff := dyn.Vaddr - m.KernVaddr
	if dynOff+dyn.Memsz > uint64(len(kernBytes)) {
		return fmt.Errorf("rambuilder.relocate: PT_DYNAMIC out of kernel bounds: %w", vmmerr.ErrInvalidDynamicLinking)
	}

	var relaOff, relaSize uint64
	var haveRela, haveSize bool

	for i := uint64(0); i+16 <= dyn.Memsz; i += 16 {
		tag := binary.LittleEndian.Uint64(kernBytes[dynOff+i : dynOff+i+8])
		val := binary.LittleEndian.Uint64(kernBytes[dynOff+i+8 : dynOff+i+16])
		switch tag {
		case kernelimage.DtNull:
			i = dyn.Memsz // stop
		case kernelimage.DtRela:
			relaOff, haveRela = val, true
		case kernelimage.DtRelasz:
			relaSize, haveSize = val, true
		}
	}

	if haveRela != haveSize {
		return fmt.Errorf("rambuilder.relocate: DT_RELA present without DT_RELASZ or vice versa: %w", vmmerr.ErrInvalidDynamicLinking)
	}
	if !haveRela {
		return nil // no relocations to apply
	}

	if relaSize%24 != 0 {
		return fmt.Errorf("rambuilder.relocate: DT_RELASZ %#x not a multiple of 24: %w", relaSize, vmmerr.ErrInvalidDynamicLinking)
	}
	if relaOff+relaSize > uint64(len(kernBytes)) {
		return fmt.Errorf("rambuilder.relocate: relocation table out of kernel bounds: %w", vmmerr.ErrInvalidDynamicLinking)
	}

	archRelative := uint64(relativeX86_64)
	if b.arch == ArchAArch64 {
		archRelative = relativeAArch64
	}

	for off := uint64(0); off < relaSize; off += 24 {
		entry := kernBytes[relaOff+off : relaOff+off+24]
		rOffset := binary.LittleEndian.Uint64(entry[0:8])
		rInfo := binary.LittleEndian.Uint64(entry[8:16])
		rAddend := int64(binary.LittleEndian.Uint64(entry[16:24]))

		typ := rInfo & 0xffffffff
		if typ == 0 {
			break
		}
		if typ != archRelative {
			continue
		}
		if rOffset+8 > uint64(len(kernBytes)) {
			return fmt.Errorf("rambuilder.relocate: relocation offset %#x out of kernel bounds: %w", rOffset, vmmerr.ErrInvalidDynamicLinking)
		}
		value := uint64(int64(m.KernVaddr) + rAddend)
		binary.LittleEndian.PutUint64(kernBytes[rOffset:rOffset+8], value)
	}

	return nil
}
