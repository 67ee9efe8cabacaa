// Package runloop drives one vCPU's exit-dispatch loop: build a per-CPU
// device-context map from a frozen DeviceTree once, then repeatedly run the
// vCPU and route Io exits to the owning device until a device requests
// orderly shutdown or a hard error occurs. Grounded on the run loop of
// core_engine's former vcpu.go (since removed) and
// original_source/gui/src/vmm/mod.rs's run_cpu/exec_io.
package runloop

import (
	"fmt"
	"sync/atomic"

	"example.com/obvmm/core_engine/devicetree"
	"example.com/obvmm/core_engine/hypervisor"
	"example.com/obvmm/core_engine/vmmerr"
)

// EventHandler receives the loop's externally visible events. The zero
// value of NopEventHandler implements it as a no-op, matching the event
// callback contract named in the supplemented-features section: most
// embedders only care about a subset of events.
type EventHandler interface {
	OnError(cpuID int, err error)
	OnShutdown(cpuID int)
	OnDebug(cpuID int)
}

// NopEventHandler implements EventHandler by doing nothing.
type NopEventHandler struct{}

func (NopEventHandler) OnError(int, error) {}
func (NopEventHandler) OnShutdown(int)     {}
func (NopEventHandler) OnDebug(int)        {}

type contextEntry struct {
	addr, end uint64
	ctx       devicetree.DeviceContext
}

// deviceContextMap is the per-CPU {addr -> (ctx, end_gpa)} map spec section
// 4.8 calls for, built once per vCPU thread from the frozen DeviceTree so
// that stateful device contexts are never shared across vCPU goroutines.
type deviceContextMap struct {
	entries []contextEntry
}

func buildDeviceContextMap(tree *devicetree.Tree) *deviceContextMap {
	m := &deviceContextMap{}
	tree.Iter(func(addr uint64, d devicetree.Device) {
		m.entries = append(m.entries, contextEntry{
			addr: addr,
			end:  addr + d.Len(),
			ctx:  d.CreateContext(),
		})
	})
	return m
}

// rangeLE returns the entry with the greatest addr <= target, the same
// "range_le(addr).last()" lookup DeviceTree.RangeAt implements over the
// tree itself, mirrored here over the per-CPU context slice.
func (m *deviceContextMap) rangeLE(addr uint64) (contextEntry, bool) {
	lo, hi := 0, len(m.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.entries[mid].addr <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return contextEntry{}, false
	}
	return m.entries[lo-1], true
}

// Run executes the while-!shutdown exit dispatch loop for one vCPU. It
// returns when shutdown is observed true or when a device or the backend
// returns a hard error. A debug exit does not end the loop: it is handed off
// via OnDebug and the loop continues.
func Run(cpuID int, cpu hypervisor.CPU, tree *devicetree.Tree, shutdown *atomic.Bool, handler EventHandler) error {
	if handler == nil {
		handler = NopEventHandler{}
	}
	ctxMap := buildDeviceContextMap(tree)

	for !shutdown.Load() {
		exit, err := cpu.Run()
		if err != nil {
			handler.OnError(cpuID, err)
			return err
		}

		switch exit.Kind {
		case hypervisor.ExitHalt:
			continue

		case hypervisor.ExitDebug:
			handler.OnDebug(cpuID)
			continue

		case hypervisor.ExitIo:
			entry, ok := ctxMap.rangeLE(exit.Io.Addr)
			if !ok || exit.Io.Addr >= entry.end {
				err := fmt.Errorf("runloop: cpu %d: addr %#x: %w", cpuID, exit.Io.Addr, vmmerr.ErrUnhandledIO)
				handler.OnError(cpuID, err)
				return err
			}

			io := &devicetree.Io{
				Addr:    exit.Io.Addr,
				Buffer:  exit.Io.Buffer,
				IsWrite: exit.Io.IsWrite,
			}
			keepRunning, err := entry.ctx.Exec(io)
			if err != nil {
				handler.OnError(cpuID, err)
				return err
			}
			if !exit.Io.IsWrite {
				cpu.CommitIoResult(io.Buffer)
			}
			if !keepRunning {
				shutdown.Store(true)
				handler.OnShutdown(cpuID)
			}

		default:
			err := fmt.Errorf("runloop: cpu %d: unknown exit kind %d: %w", cpuID, exit.Kind, vmmerr.ErrCPUHardFault)
			handler.OnError(cpuID, err)
			return err
		}
	}
	return nil
}
