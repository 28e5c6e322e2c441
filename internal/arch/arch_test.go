package arch

import (
	"debug/elf"
	"errors"
	"math"
	"testing"
)

func TestLookupX86_64(t *testing.T) {
	d, err := Lookup("EM_X86_64")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if d.ELFMachine != elf.EM_X86_64 || d.PointerSize != 8 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("EM_BOGUS"); err == nil {
		t.Fatal("expected error for unknown patch_arch_type")
	}
}

func TestForMachine(t *testing.T) {
	d, err := ForMachine(elf.EM_386)
	if err != nil {
		t.Fatalf("ForMachine: %v", err)
	}
	if d.Name != "i386" {
		t.Fatalf("got %q, want i386", d.Name)
	}
}

func TestEncodeJumpX86_64Basic(t *testing.T) {
	funcAddr := uint64(0x401000)
	patchAddr := funcAddr + 5 + 0x1000
	buf, err := encodeJumpX86_64(funcAddr, patchAddr)
	if err != nil {
		t.Fatalf("encodeJumpX86_64: %v", err)
	}
	if buf[0] != 0xE9 {
		t.Fatalf("expected E9 opcode, got %#x", buf[0])
	}
	disp := int32(uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16 | uint32(buf[4])<<24)
	if disp != 0x1000 {
		t.Fatalf("disp = %#x, want 0x1000", disp)
	}
	if buf[5] != 0x90 || buf[6] != 0x90 || buf[7] != 0x90 {
		t.Fatalf("expected NOP padding, got %x", buf[5:8])
	}
}

// Boundary behavior per spec: displacement exactly at +-(2^31-1) succeeds,
// +-2^31 fails with ErrDisplacementRange.
func TestEncodeJumpX86_64Boundary(t *testing.T) {
	const funcAddr = uint64(0x400000)
	nextIP := funcAddr + 5

	cases := []struct {
		name    string
		disp    int64
		wantErr bool
	}{
		{"max positive ok", math.MaxInt32, false},
		{"max positive overflow", math.MaxInt32 + 1, true},
		{"max negative ok", -math.MaxInt32, false},
		{"max negative overflow", -math.MaxInt32 - 1, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			patchAddr := uint64(int64(nextIP) + c.disp)
			_, err := encodeJumpX86_64(funcAddr, patchAddr)
			if c.wantErr && !errors.Is(err, ErrDisplacementRange) {
				t.Fatalf("disp %d: got err %v, want ErrDisplacementRange", c.disp, err)
			}
			if !c.wantErr && err != nil {
				t.Fatalf("disp %d: unexpected error %v", c.disp, err)
			}
		})
	}
}
