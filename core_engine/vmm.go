package core_engine

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"example.com/obvmm/core_engine/archinit"
	"example.com/obvmm/core_engine/devicetree"
	"example.com/obvmm/core_engine/hypervisor"
	"example.com/obvmm/core_engine/kernelimage"
	"example.com/obvmm/core_engine/ram"
	"example.com/obvmm/core_engine/rambuilder"
	"example.com/obvmm/core_engine/runloop"
	"example.com/obvmm/core_engine/vmmlog"
)

// Arch selects the guest CPU architecture for the whole VM.
type Arch int

const (
	ArchX86_64 Arch = iota
	ArchAArch64
)

// defaultStackLen and defaultArgAlign are conservative defaults; callers
// that need something else set Config.StackLen/EnvAlign/ConfAlign.
const (
	defaultStackLen = 64 * 1024
	defaultArgAlign = 8
)

// DeviceEntry places one Device at a fixed GPA in the VM's DeviceTree.
type DeviceEntry struct {
	Addr   uint64
	Device devicetree.Device
}

// Config is everything New needs to boot one kernel image under one
// hypervisor backend.
type Config struct {
	KernelPath string
	Arch       Arch
	RAMSize    uint64
	NumVCPUs   int
	Debug      bool

	Devices []DeviceEntry

	StackLen uint64 // 0 uses defaultStackLen

	Env, Conf           []byte
	EnvAlign, ConfAlign uint64 // 0 uses defaultArgAlign

	Handler runloop.EventHandler
}

// VMM ties KernelImage, RamBuilder, a Hypervisor backend, and the run loop
// together: the data/control flow named in spec section 2's component
// table, driven end to end by New and Run.
type VMM struct {
	hv      hypervisor.Hypervisor
	devices *devicetree.Tree
	cpus    []hypervisor.CPU

	shutdown atomic.Bool
	handler  runloop.EventHandler
	wg       sync.WaitGroup
	log      *vmmlog.Logger
}

// New opens the kernel image, validates it, builds the device tree,
// constructs the hypervisor backend and guest RAM, runs RamBuilder's three
// phases, and programs every vCPU via ArchInit — everything up to but not
// including the first Run().
func New(cfg Config) (*VMM, error) {
	logger := vmmlog.Default(cfg.Debug)

	img, err := kernelimage.Open(cfg.KernelPath)
	if err != nil {
		return nil, fmt.Errorf("core_engine.New: %w", err)
	}
	defer img.Close()

	kern, err := img.Validate()
	if err != nil {
		return nil, fmt.Errorf("core_engine.New: %w", err)
	}

	devices := devicetree.New()
	for _, e := range cfg.Devices {
		if err := devices.Insert(e.Addr, e.Device); err != nil {
			return nil, fmt.Errorf("core_engine.New: %w", err)
		}
	}
	devices.Freeze()

	blockSize := kern.PageSize
	if hostPS := hypervisor.HostPageSize(); hostPS > blockSize {
		blockSize = hostPS
	}

	hvArch, rbArch := archPair(cfg.Arch)

	hv, err := hypervisor.New(hvArch, cfg.NumVCPUs, cfg.RAMSize, blockSize, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("core_engine.New: %w", err)
	}

	ramMap, err := layoutGuestMemory(hv, devices, rbArch, img, kern, cfg)
	if err != nil {
		hv.Close()
		return nil, err
	}

	vmm := &VMM{hv: hv, devices: devices, handler: cfg.Handler, log: logger}

	for id := 0; id < cfg.NumVCPUs; id++ {
		cpu, err := hv.CreateCPU(id)
		if err != nil {
			vmm.Close()
			return nil, fmt.Errorf("core_engine.New: cpu %d: %w", id, err)
		}
		vmm.cpus = append(vmm.cpus, cpu)
		if err := setupCPU(cpu, cfg.Arch, kern.Entry, ramMap, hv.CPUFeatures()); err != nil {
			vmm.Close()
			return nil, fmt.Errorf("core_engine.New: cpu %d: %w", id, err)
		}
	}

	logger.Infof("vmm: booted %q, %d vCPU(s), entry %#x", cfg.KernelPath, cfg.NumVCPUs, kern.Entry)
	return vmm, nil
}

func archPair(a Arch) (hypervisor.Arch, rambuilder.Arch) {
	if a == ArchAArch64 {
		return hypervisor.ArchAArch64, rambuilder.ArchAArch64
	}
	return hypervisor.ArchX86_64, rambuilder.ArchX86_64
}

func setupCPU(cpu hypervisor.CPU, arch Arch, entry uint64, m *rambuilder.RamMap, feats hypervisor.CPUFeats) error {
	if arch == ArchAArch64 {
		x, ok := cpu.(*hypervisor.AArch64CPU)
		if !ok {
			return fmt.Errorf("core_engine.setupCPU: backend returned a non-AArch64 CPU for an AArch64 VM")
		}
		return archinit.SetupAArch64(x, entry, m, feats)
	}
	x, ok := cpu.(*hypervisor.X86CPU)
	if !ok {
		return fmt.Errorf("core_engine.setupCPU: backend returned a non-x86-64 CPU for an x86-64 VM")
	}
	return archinit.SetupX86_64(x, entry, m, false)
}

// layoutGuestMemory drives RamBuilder's three phases: allocate kernel/stack/
// args, write the kernel's PT_LOAD segments into the freshly allocated
// region, build page tables, and apply relocations.
func layoutGuestMemory(hv hypervisor.Hypervisor, devices *devicetree.Tree, arch rambuilder.Arch, img *kernelimage.Image, kern *kernelimage.Validated, cfg Config) (*rambuilder.RamMap, error) {
	b := rambuilder.New(hv.Ram(), devices, arch)

	kernLen := kernelExtent(kern)
	lm, err := b.AllocKernel(kernLen)
	if err != nil {
		return nil, fmt.Errorf("core_engine: %w", err)
	}
	if err := writeKernelSegments(lm, img, kern); err != nil {
		lm.Close()
		return nil, fmt.Errorf("core_engine: %w", err)
	}
	lm.Close()

	stackLen := cfg.StackLen
	if stackLen == 0 {
		stackLen = defaultStackLen
	}
	if err := b.AllocStack(stackLen); err != nil {
		return nil, fmt.Errorf("core_engine: %w", err)
	}

	envAlign, confAlign := cfg.EnvAlign, cfg.ConfAlign
	if envAlign == 0 {
		envAlign = defaultArgAlign
	}
	if confAlign == 0 {
		confAlign = defaultArgAlign
	}
	if err := b.AllocArgs(cfg.Env, envAlign, cfg.Conf, confAlign); err != nil {
		return nil, fmt.Errorf("core_engine: %w", err)
	}

	m, err := b.Build(kern)
	if err != nil {
		return nil, fmt.Errorf("core_engine: %w", err)
	}
	return m, nil
}

// kernelExtent returns the kernel's overall memory extent relative to its
// first PT_LOAD's virtual address, the length AllocKernel reserves.
func kernelExtent(kern *kernelimage.Validated) uint64 {
	base := kern.Loads[0].Vaddr
	var maxEnd uint64
	for _, ph := range kern.Loads {
		end := (ph.Vaddr - base) + ph.Memsz
		if end > maxEnd {
			maxEnd = end
		}
	}
	return maxEnd
}

func writeKernelSegments(lm *ram.LockedMem, img *kernelimage.Image, kern *kernelimage.Validated) error {
	base := kern.Loads[0].Vaddr
	buf := lm.Bytes()
	for _, ph := range kern.Loads {
		r, err := img.SegmentData(ph)
		if err != nil {
			return fmt.Errorf("writeKernelSegments: %w", err)
		}
		off := ph.Vaddr - base
		if _, err := io.ReadFull(r, buf[off:off+ph.Filesz]); err != nil {
			return fmt.Errorf("writeKernelSegments: PT_LOAD at %#x: %w", ph.Vaddr, err)
		}
	}
	return nil
}

// Run launches one goroutine per vCPU, each driving runloop.Run against the
// shared shutdown flag and device tree.
func (v *VMM) Run() {
	v.wg.Add(len(v.cpus))
	for id, cpu := range v.cpus {
		go func(id int, cpu hypervisor.CPU) {
			defer v.wg.Done()
			if err := runloop.Run(id, cpu, v.devices, &v.shutdown, v.handler); err != nil {
				v.log.Errorf("vmm: cpu %d exited: %v", id, err)
			}
		}(id, cpu)
	}
}

// Wait blocks until every vCPU thread has returned.
func (v *VMM) Wait() {
	v.wg.Wait()
}

// Close sets the shutdown flag, joins every vCPU thread, deletes every vCPU
// in the backend, and finally closes the hypervisor handle (which releases
// RAM). This is spec section 5's "drop of the top-level VM handle sets
// shutdown and joins all CPU threads."
func (v *VMM) Close() error {
	v.shutdown.Store(true)
	v.wg.Wait()

	for _, cpu := range v.cpus {
		if cpu != nil {
			cpu.Close()
		}
	}
	if v.hv != nil {
		return v.hv.Close()
	}
	return nil
}
