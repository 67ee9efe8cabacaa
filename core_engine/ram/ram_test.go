package ram_test

import (
	"errors"
	"testing"

	"example.com/obvmm/core_engine/ram"
	"example.com/obvmm/core_engine/vmmerr"
)

const (
	blockSize = 0x1000
	maxSize   = 1 << 20
)

func TestAllocWritesAreVisibleAfterLock(t *testing.T) {
	r, err := ram.New(maxSize, blockSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	lm, err := r.Alloc(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	lm.Bytes()[0] = 0x42
	if err := lm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lm2, err := r.Lock(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	defer lm2.Close()
	if got := lm2.Bytes()[0]; got != 0x42 {
		t.Fatalf("byte = %#x, want 0x42", got)
	}
	if lm2.Addr() != 0x1000 || lm2.Len() != 0x1000 {
		t.Fatalf("Addr/Len = %#x/%#x, want 0x1000/0x1000", lm2.Addr(), lm2.Len())
	}
}

func TestAllocZeroLengthIsError(t *testing.T) {
	r, err := ram.New(maxSize, blockSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if _, err := r.Alloc(0, 0); !errors.Is(err, vmmerr.ErrZeroLength) {
		t.Fatalf("Alloc(len=0) err = %v, want ErrZeroLength", err)
	}
}

func TestAllocUnalignedIsError(t *testing.T) {
	r, err := ram.New(maxSize, blockSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if _, err := r.Alloc(1, blockSize); !errors.Is(err, vmmerr.ErrInvalidAlignment) {
		t.Fatalf("Alloc(addr=1) err = %v, want ErrInvalidAlignment", err)
	}
	if _, err := r.Alloc(0, blockSize+1); !errors.Is(err, vmmerr.ErrInvalidAlignment) {
		t.Fatalf("Alloc(len unaligned) err = %v, want ErrInvalidAlignment", err)
	}
}

func TestAllocOverlapIsError(t *testing.T) {
	r, err := ram.New(maxSize, blockSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if _, err := r.Alloc(0, 2*blockSize); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, err := r.Alloc(blockSize, blockSize); !errors.Is(err, vmmerr.ErrOverlap) {
		t.Fatalf("overlapping Alloc err = %v, want ErrOverlap", err)
	}
}

func TestLockOverlapWhileLiveIsError(t *testing.T) {
	r, err := ram.New(maxSize, blockSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	lm, err := r.Alloc(0, blockSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer lm.Close()

	if _, err := r.Lock(0, blockSize); !errors.Is(err, vmmerr.ErrOverlap) {
		t.Fatalf("Lock over live lock err = %v, want ErrOverlap", err)
	}
}

func TestLockUncommittedIsError(t *testing.T) {
	r, err := ram.New(maxSize, blockSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if _, err := r.Lock(0, blockSize); !errors.Is(err, vmmerr.ErrNotCommitted) {
		t.Fatalf("Lock uncommitted err = %v, want ErrNotCommitted", err)
	}
}

func TestDisjointLocksAreIndependent(t *testing.T) {
	r, err := ram.New(maxSize, blockSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	a, err := r.Alloc(0, blockSize)
	if err != nil {
		t.Fatalf("Alloc a: %v", err)
	}
	defer a.Close()

	b, err := r.Alloc(blockSize, blockSize)
	if err != nil {
		t.Fatalf("Alloc b: %v", err)
	}
	defer b.Close()

	a.Bytes()[0] = 1
	b.Bytes()[0] = 2
	if a.Bytes()[0] != 1 || b.Bytes()[0] != 2 {
		t.Fatalf("disjoint handles interfered")
	}
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := ram.New(3*blockSize, blockSize); err == nil {
		t.Fatalf("New with non-power-of-two size succeeded")
	}
}
