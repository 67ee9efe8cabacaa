// Package ram implements the VMM's guest-RAM model: a contiguous host
// virtual-address reservation of fixed maximum size, with pages committed
// lazily in block-aligned ranges and handed out through exclusive LockedMem
// views.
package ram

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"example.com/obvmm/core_engine/vmmerr"
)

type interval struct {
	addr, len uint64
}

func (iv interval) end() uint64 { return iv.addr + iv.len }

func (a interval) overlaps(b interval) bool {
	return a.addr < b.end() && b.addr < a.end()
}

// RAM is a sparse, page-granular host-backed region reserved up front and
// committed lazily, addressed by guest-physical address.
type RAM struct {
	mu sync.Mutex

	reservation []byte // mmap'd PROT_NONE, len == maxSize
	maxSize     uint64
	blockSize   uint64

	committed []interval // sorted, disjoint
	locked    []interval // sorted, disjoint; subset-of-committed not required to be contiguous per-entry
}

// New reserves maxSize bytes (must be a power of two) of host virtual
// address space without committing any backing pages.
func New(maxSize, blockSize uint64) (*RAM, error) {
	if maxSize == 0 || maxSize&(maxSize-1) != 0 {
		return nil, fmt.Errorf("ram.New: max size %#x is not a power of two: %w", maxSize, vmmerr.ErrReservationFailed)
	}
	if blockSize == 0 || maxSize%blockSize != 0 {
		return nil, fmt.Errorf("ram.New: block size %#x does not divide max size: %w", blockSize, vmmerr.ErrReservationFailed)
	}

	b, err := unix.Mmap(-1, 0, int(maxSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("ram.New: mmap reservation: %w: %w", err, vmmerr.ErrReservationFailed)
	}

	return &RAM{reservation: b, maxSize: maxSize, blockSize: blockSize}, nil
}

// BlockSize returns max(vm_page_size, host_page_size) as fixed at New.
func (r *RAM) BlockSize() uint64 { return r.blockSize }

// Len returns the fixed reservation size.
func (r *RAM) Len() uint64 { return r.maxSize }

func (r *RAM) aligned(addr, len uint64) error {
	if len == 0 {
		return fmt.Errorf("ram: zero-length range: %w", vmmerr.ErrZeroLength)
	}
	if addr%r.blockSize != 0 || len%r.blockSize != 0 {
		return fmt.Errorf("ram: [%#x,%#x) is not %#x-aligned: %w", addr, addr+len, r.blockSize, vmmerr.ErrInvalidAlignment)
	}
	if addr+len < addr || addr+len > r.maxSize {
		return fmt.Errorf("ram: [%#x,%#x) exceeds reservation of size %#x: %w", addr, addr+len, r.maxSize, vmmerr.ErrOutOfBounds)
	}
	return nil
}

// fully reports whether [addr,addr+len) is covered, possibly by more than
// one committed interval, without gaps.
func fully(ivs []interval, want interval) bool {
	cursor := want.addr
	for _, iv := range ivs {
		if iv.addr > cursor {
			break
		}
		if iv.end() > cursor {
			cursor = iv.end()
		}
		if cursor >= want.end() {
			return true
		}
	}
	return cursor >= want.end()
}

func anyOverlap(ivs []interval, want interval) bool {
	for _, iv := range ivs {
		if iv.overlaps(want) {
			return true
		}
	}
	return false
}

func insertSorted(ivs []interval, iv interval) []interval {
	i := 0
	for i < len(ivs) && ivs[i].addr < iv.addr {
		i++
	}
	ivs = append(ivs, interval{})
	copy(ivs[i+1:], ivs[i:])
	ivs[i] = iv
	return ivs
}

func removeInterval(ivs []interval, iv interval) []interval {
	for i, e := range ivs {
		if e == iv {
			return append(ivs[:i], ivs[i+1:]...)
		}
	}
	return ivs
}

// Alloc commits [addr, addr+len) with read/write backing and returns an
// exclusive view. addr and len must be block-aligned.
func (r *RAM) Alloc(addr, len uint64) (*LockedMem, error) {
	if err := r.aligned(addr, len); err != nil {
		return nil, err
	}
	want := interval{addr, len}

	r.mu.Lock()
	defer r.mu.Unlock()

	if anyOverlap(r.committed, want) {
		return nil, fmt.Errorf("ram.Alloc: [%#x,%#x) overlaps an existing commit: %w", addr, addr+len, vmmerr.ErrOverlap)
	}

	if err := unix.Mprotect(r.reservation[addr:addr+len], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, fmt.Errorf("ram.Alloc: mprotect [%#x,%#x): %w: %w", addr, addr+len, err, vmmerr.ErrHostCommitFailed)
	}

	r.committed = insertSorted(r.committed, want)
	r.locked = insertSorted(r.locked, want)

	return &LockedMem{ram: r, iv: want}, nil
}

// Lock acquires an exclusive view over an already-committed range.
func (r *RAM) Lock(addr, len uint64) (*LockedMem, error) {
	if err := r.aligned(addr, len); err != nil {
		return nil, err
	}
	want := interval{addr, len}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !fully(r.committed, want) {
		return nil, fmt.Errorf("ram.Lock: [%#x,%#x) is not fully committed: %w", addr, addr+len, vmmerr.ErrNotCommitted)
	}
	if anyOverlap(r.locked, want) {
		return nil, fmt.Errorf("ram.Lock: [%#x,%#x) overlaps a live lock: %w", addr, addr+len, vmmerr.ErrOverlap)
	}

	r.locked = insertSorted(r.locked, want)
	return &LockedMem{ram: r, iv: want}, nil
}

// HostAddr returns the base of the host reservation. This is the single
// privileged API that exposes raw storage. Its callers are RamBuilder's
// page-table writer and the hypervisor backend, which registers the
// reservation as guest memory. All other mutation goes through LockedMem.
func (r *RAM) HostAddr() *byte {
	if len(r.reservation) == 0 {
		return nil
	}
	return &r.reservation[0]
}

func (r *RAM) release(iv interval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = removeInterval(r.locked, iv)
}

// Close releases the host reservation. Callers must not hold any LockedMem
// across this call.
func (r *RAM) Close() error {
	if r.reservation == nil {
		return nil
	}
	err := unix.Munmap(r.reservation)
	r.reservation = nil
	return err
}

// LockedMem is a borrow over a committed GPA range exposing a mutable host
// view. The RAM owns the reservation; LockedMem shares it.
type LockedMem struct {
	ram *RAM
	iv  interval
}

// Bytes returns the host-mutable view over this handle's range.
func (l *LockedMem) Bytes() []byte {
	return l.ram.reservation[l.iv.addr : l.iv.addr+l.iv.len]
}

// Addr is the GPA this handle covers the start of.
func (l *LockedMem) Addr() uint64 { return l.iv.addr }

// Len is the byte length this handle covers.
func (l *LockedMem) Len() uint64 { return l.iv.len }

// Close releases the lock, making the range available to future Lock calls.
// It does not decommit the backing pages.
func (l *LockedMem) Close() error {
	if l.ram == nil {
		return nil
	}
	l.ram.release(l.iv)
	l.ram = nil
	return nil
}
