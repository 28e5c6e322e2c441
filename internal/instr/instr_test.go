package instr

import (
	"bytes"
	"testing"
)

func TestMovImmediateLowReg(t *testing.T) {
	got := MovImmediate(RDI, 0x1122334455667788)
	want := []byte{0x48, 0xBF, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestMovImmediateExtendedReg(t *testing.T) {
	got := MovImmediate(R9, 1)
	if got[0] != 0x49 {
		t.Fatalf("expected REX.WB (0x49) for r9, got %#x", got[0])
	}
	if got[1] != 0xB9 {
		t.Fatalf("expected B8+1 opcode for r9, got %#x", got[1])
	}
}

func TestSyscallStubLayout(t *testing.T) {
	stub, err := SyscallStub(SysMmap, 0, 4096, 3, 0x22, 0xffffffffffffffff, 0)
	if err != nil {
		t.Fatalf("SyscallStub: %v", err)
	}
	// rax mov (10 bytes) + 6 arg movs (10 bytes each) + syscall (2 bytes)
	wantBreak := 10 + 6*10 + 2
	if stub.BreakOffset != wantBreak {
		t.Fatalf("BreakOffset = %d, want %d", stub.BreakOffset, wantBreak)
	}
	if stub.Code[stub.BreakOffset] != 0xCC {
		t.Fatalf("expected INT3 at BreakOffset, got %#x", stub.Code[stub.BreakOffset])
	}
	if len(stub.Code) != wantBreak+1 {
		t.Fatalf("Code length = %d, want %d", len(stub.Code), wantBreak+1)
	}
}

func TestSyscallStubTooManyArgs(t *testing.T) {
	if _, err := SyscallStub(0, 1, 2, 3, 4, 5, 6, 7); err == nil {
		t.Fatal("expected error for 7 syscall arguments")
	}
}
