// Package instr synthesizes the small machine-code stubs the Remote
// Memory Access layer stages into a target process's scratch VMA: a
// mov-immediate-to-register sequence per syscall argument, the syscall
// instruction itself, and a trailing INT3 whose trap tells the staging
// code the stub has completed. Grounded in the teacher's
// mov_x86_64.go/syscall_x86.go (mov-then-syscall emission) and
// original_source's x86_64.c (jmpq/syscall stub layout); x86-64 is the
// only architecture spec.md's scope requires (§4.1).
package instr

import "fmt"

// Reg is an x86-64 general-purpose register usable as a syscall
// argument slot, identified by its 3-bit encoding plus REX.B/R extension.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
)

// Syscall argument order per the x86-64 SysV ABI: rax holds the syscall
// number, rdi/rsi/rdx/r10/r8/r9 hold arguments 1..6 (r10 replaces rcx,
// which the SYSCALL instruction clobbers).
var argRegs = [6]Reg{RDI, RSI, RDX, R10, R8, R9}

// MovImmediate encodes "mov reg, imm64" (REX.W + B8+rd + imm64, or the
// REX.WB variant for r8-r15).
func MovImmediate(reg Reg, imm uint64) []byte {
	var rex byte = 0x48
	opReg := byte(reg)
	if reg >= R8 {
		rex |= 0x01 // REX.B
		opReg -= 8
	}
	buf := make([]byte, 2, 10)
	buf[0] = rex
	buf[1] = 0xB8 + opReg
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(imm>>(8*uint(i))))
	}
	return buf
}

// Syscall encodes the two-byte SYSCALL instruction.
func Syscall() []byte { return []byte{0x0F, 0x05} }

// Int3 encodes the one-byte breakpoint trap that marks a stub's
// completion: ExecCode resumes the thread and waits for its SIGTRAP.
func Int3() []byte { return []byte{0xCC} }

// Stub is a synthesized syscall payload ready to be staged by
// rma.ExecCode/ReleaseAt, along with where the trailing INT3 lands
// relative to the stub's base (so the caller can arm a breakpoint there
// instead of single-stepping the whole sequence).
type Stub struct {
	Code        []byte
	BreakOffset int
}

// SyscallStub synthesizes a stub that loads nr into rax, each of args
// (at most 6) into the ABI argument registers, executes SYSCALL, and
// traps. The return value is read out of rax by the caller once the
// trap fires.
func SyscallStub(nr uint64, args ...uint64) (Stub, error) {
	if len(args) > len(argRegs) {
		return Stub{}, fmt.Errorf("instr: too many syscall arguments: %d", len(args))
	}
	var code []byte
	code = append(code, MovImmediate(RAX, nr)...)
	for i, a := range args {
		code = append(code, MovImmediate(argRegs[i], a)...)
	}
	code = append(code, Syscall()...)
	breakOffset := len(code)
	code = append(code, Int3()...)
	return Stub{Code: code, BreakOffset: breakOffset}, nil
}

// Well-known x86-64 syscall numbers the Loader and Service layers need.
// Kept local rather than imported from golang.org/x/sys/unix, which
// defines these only for the host's own GOARCH and would not let the
// target's architecture be chosen independently of the controller's.
const (
	SysMmap     = 9
	SysMprotect = 10
	SysMunmap   = 11
)
