package runloop

import (
	"errors"
	"sync/atomic"
	"testing"

	"example.com/obvmm/core_engine/devicetree"
	"example.com/obvmm/core_engine/hypervisor"
)

type scriptedCPU struct {
	exits   []hypervisor.Exit
	errs    []error
	i       int
	commits [][]byte
}

func (c *scriptedCPU) Run() (hypervisor.Exit, error) {
	if c.i >= len(c.exits) {
		return hypervisor.Exit{}, errors.New("scriptedCPU: ran out of scripted exits")
	}
	e, err := c.exits[c.i], c.errs[c.i]
	c.i++
	return e, err
}
func (c *scriptedCPU) CommitIoResult(data []byte) { c.commits = append(c.commits, append([]byte(nil), data...)) }
func (c *scriptedCPU) Close() error               { return nil }

type countingDevice struct {
	addr, length uint64
	shutdownOn   int
	execs        int
}

func (d *countingDevice) Addr() uint64 { return d.addr }
func (d *countingDevice) Len() uint64  { return d.length }
func (d *countingDevice) CreateContext() devicetree.DeviceContext {
	return &countingContext{d: d}
}

type countingContext struct{ d *countingDevice }

func (c *countingContext) Exec(io *devicetree.Io) (bool, error) {
	c.d.execs++
	if !io.IsWrite {
		io.Buffer[0] = 0x42
	}
	return c.d.execs != c.d.shutdownOn, nil
}

func TestRunDispatchesToOwningDeviceAndWritesBackReads(t *testing.T) {
	dev := &countingDevice{addr: 0x1000, length: 0x100, shutdownOn: 2}
	tree := devicetree.New()
	if err := tree.Insert(dev.addr, dev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	tree.Freeze()

	cpu := &scriptedCPU{
		exits: []hypervisor.Exit{
			{Kind: hypervisor.ExitHalt},
			{Kind: hypervisor.ExitIo, Io: hypervisor.IoExit{Addr: 0x1004, Buffer: make([]byte, 1), IsWrite: false}},
			{Kind: hypervisor.ExitIo, Io: hypervisor.IoExit{Addr: 0x1008, Buffer: []byte{0x7}, IsWrite: true}},
		},
		errs: []error{nil, nil, nil},
	}

	var shutdown atomic.Bool
	if err := Run(0, cpu, tree, &shutdown, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dev.execs != 2 {
		t.Fatalf("device exec count = %d, want 2", dev.execs)
	}
	if len(cpu.commits) != 1 || cpu.commits[0][0] != 0x42 {
		t.Fatalf("read exit was not committed back: %v", cpu.commits)
	}
	if !shutdown.Load() {
		t.Fatalf("second exec should have requested shutdown")
	}
}

func TestRunReturnsErrorOnUnhandledAddress(t *testing.T) {
	tree := devicetree.New()
	tree.Freeze()

	cpu := &scriptedCPU{
		exits: []hypervisor.Exit{
			{Kind: hypervisor.ExitIo, Io: hypervisor.IoExit{Addr: 0x9999, Buffer: make([]byte, 1)}},
		},
		errs: []error{nil},
	}

	var shutdown atomic.Bool
	err := Run(0, cpu, tree, &shutdown, nil)
	if err == nil {
		t.Fatalf("expected an error for an address with no owning device")
	}
}

func TestRunStopsOnDeviceRequestedShutdown(t *testing.T) {
	dev := &countingDevice{addr: 0x2000, length: 0x10, shutdownOn: 1}
	tree := devicetree.New()
	if err := tree.Insert(dev.addr, dev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	tree.Freeze()

	cpu := &scriptedCPU{
		exits: []hypervisor.Exit{
			{Kind: hypervisor.ExitIo, Io: hypervisor.IoExit{Addr: 0x2000, Buffer: []byte{1}, IsWrite: true}},
		},
		errs: []error{nil},
	}

	var shutdown atomic.Bool
	if err := Run(0, cpu, tree, &shutdown, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !shutdown.Load() {
		t.Fatalf("shutdown flag was not set after device requested it")
	}
}
