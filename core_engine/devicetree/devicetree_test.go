package devicetree_test

import (
	"errors"
	"testing"

	"example.com/obvmm/core_engine/devicetree"
	"example.com/obvmm/core_engine/vmmerr"
)

type fakeDevice struct {
	addr, length uint64
}

func (f fakeDevice) Addr() uint64                              { return f.addr }
func (f fakeDevice) Len() uint64                                { return f.length }
func (f fakeDevice) CreateContext() devicetree.DeviceContext    { return nil }

func TestInsertRejectsOverlap(t *testing.T) {
	tr := devicetree.New()
	if err := tr.Insert(0x1000, fakeDevice{0x1000, 0x1000}); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := tr.Insert(0x1800, fakeDevice{0x1800, 0x1000}); !errors.Is(err, vmmerr.ErrDeviceOverlap) {
		t.Fatalf("overlapping Insert err = %v, want ErrDeviceOverlap", err)
	}
	if err := tr.Insert(0x800, fakeDevice{0x800, 0x1000}); !errors.Is(err, vmmerr.ErrDeviceOverlap) {
		t.Fatalf("overlapping-before Insert err = %v, want ErrDeviceOverlap", err)
	}
}

func TestRangeAtFindsGreatestStartLE(t *testing.T) {
	tr := devicetree.New()
	must(t, tr.Insert(0x1000, fakeDevice{0x1000, 0x100}))
	must(t, tr.Insert(0x2000, fakeDevice{0x2000, 0x100}))

	if _, ok := tr.RangeAt(0x500); ok {
		t.Fatalf("RangeAt before any device returned ok")
	}
	d, ok := tr.RangeAt(0x1050)
	if !ok || d.Addr() != 0x1000 {
		t.Fatalf("RangeAt(0x1050) = %v,%v, want device at 0x1000", d, ok)
	}
	if _, ok := tr.RangeAt(0x1100); ok {
		t.Fatalf("RangeAt past device end returned ok")
	}
	d, ok = tr.RangeAt(0x2050)
	if !ok || d.Addr() != 0x2000 {
		t.Fatalf("RangeAt(0x2050) = %v,%v, want device at 0x2000", d, ok)
	}
}

func TestIterIsAscending(t *testing.T) {
	tr := devicetree.New()
	must(t, tr.Insert(0x3000, fakeDevice{0x3000, 0x10}))
	must(t, tr.Insert(0x1000, fakeDevice{0x1000, 0x10}))
	must(t, tr.Insert(0x2000, fakeDevice{0x2000, 0x10}))

	var got []uint64
	tr.Iter(func(addr uint64, d devicetree.Device) { got = append(got, addr) })
	want := []uint64{0x1000, 0x2000, 0x3000}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Iter order = %v, want %v", got, want)
		}
	}
}

func TestMaxEnd(t *testing.T) {
	tr := devicetree.New()
	if tr.MaxEnd() != 0 {
		t.Fatalf("MaxEnd of empty tree = %#x, want 0", tr.MaxEnd())
	}
	must(t, tr.Insert(0x1000, fakeDevice{0x1000, 0x1000}))
	if tr.MaxEnd() != 0x2000 {
		t.Fatalf("MaxEnd = %#x, want 0x2000", tr.MaxEnd())
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
