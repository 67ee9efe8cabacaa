package devices_test

import (
	"bytes"
	"errors"
	"testing"

	"example.com/obvmm/core_engine/devices"
	"example.com/obvmm/core_engine/devicetree"
	"example.com/obvmm/core_engine/vmmerr"
)

func writeByte(t *testing.T, ctx devicetree.DeviceContext, addr uint64, val byte) {
	t.Helper()
	buf := []byte{val}
	if _, err := ctx.Exec(&devicetree.Io{Addr: addr, Buffer: buf, IsWrite: true}); err != nil {
		t.Fatalf("write %#x = %#x: %v", addr, val, err)
	}
}

func readByte(t *testing.T, ctx devicetree.DeviceContext, addr uint64) byte {
	t.Helper()
	buf := []byte{0}
	if _, err := ctx.Exec(&devicetree.Io{Addr: addr, Buffer: buf, IsWrite: false}); err != nil {
		t.Fatalf("read %#x: %v", addr, err)
	}
	return buf[0]
}

func TestSerialConsoleWritesTHRToOutput(t *testing.T) {
	var out bytes.Buffer
	con := devices.NewSerialConsole(0x1000, &out)
	ctx := con.CreateContext()

	writeByte(t, ctx, 0x1000, 'h')
	writeByte(t, ctx, 0x1000, 'i')

	if got := out.String(); got != "hi" {
		t.Fatalf("output = %q, want %q", got, "hi")
	}
}

func TestSerialConsoleLSRStartsTransmitterEmpty(t *testing.T) {
	con := devices.NewSerialConsole(0x1000, &bytes.Buffer{})
	ctx := con.CreateContext()

	lsr := readByte(t, ctx, 0x1005)
	if lsr&0x20 == 0 || lsr&0x40 == 0 {
		t.Fatalf("LSR = %#x, want THRE|TEMT set", lsr)
	}
}

func TestSerialConsoleDLABGatesDivisorLatch(t *testing.T) {
	con := devices.NewSerialConsole(0x1000, &bytes.Buffer{})
	ctx := con.CreateContext()

	writeByte(t, ctx, 0x1003, 0x80) // LCR: set DLAB
	writeByte(t, ctx, 0x1000, 0x0c) // DLL
	writeByte(t, ctx, 0x1001, 0x00) // DLH

	if got := readByte(t, ctx, 0x1000); got != 0x0c {
		t.Fatalf("DLL readback = %#x, want 0x0c", got)
	}

	writeByte(t, ctx, 0x1003, 0x00) // LCR: clear DLAB
	if got := readByte(t, ctx, 0x1000); got != 0 {
		t.Fatalf("RHR after clearing DLAB = %#x, want 0 (no data pending)", got)
	}
}

func TestSerialConsoleRejectsOutOfRangeAddr(t *testing.T) {
	con := devices.NewSerialConsole(0x1000, &bytes.Buffer{})
	ctx := con.CreateContext()

	_, err := ctx.Exec(&devicetree.Io{Addr: 0x2000, Buffer: []byte{0}, IsWrite: false})
	if !errors.Is(err, vmmerr.ErrGPAOutOfRange) {
		t.Fatalf("out-of-range Exec err = %v, want ErrGPAOutOfRange", err)
	}
}

func TestSerialConsoleRejectsMultiByteAccess(t *testing.T) {
	con := devices.NewSerialConsole(0x1000, &bytes.Buffer{})
	ctx := con.CreateContext()

	_, err := ctx.Exec(&devicetree.Io{Addr: 0x1000, Buffer: []byte{0, 0}, IsWrite: false})
	if !errors.Is(err, vmmerr.ErrUnsupportedIOSize) {
		t.Fatalf("2-byte Exec err = %v, want ErrUnsupportedIOSize", err)
	}
}

func TestSerialConsoleAddrAndLen(t *testing.T) {
	con := devices.NewSerialConsole(0x5000, &bytes.Buffer{})
	if con.Addr() != 0x5000 {
		t.Fatalf("Addr() = %#x, want 0x5000", con.Addr())
	}
	if con.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", con.Len())
	}
}
