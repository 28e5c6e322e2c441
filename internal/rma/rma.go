// Package rma is Remote Memory Access (C1): reading and writing a
// stopped target's memory and executing synthesized code in it. Built
// directly on golang.org/x/sys/unix's ptrace wrappers — the teacher's
// only true domain dependency besides github.com/xyproto/env/v2 — since
// this is exactly the low-level OS surface that package exists for.
package rma

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nsbpatch/nsb/internal/instr"
)

var (
	ErrIO      = errors.New("rma: i/o error accessing target memory")
	ErrFault   = errors.New("rma: fault accessing target memory")
	ErrAgain   = errors.New("rma: resource temporarily unavailable")
	ErrInvalid = errors.New("rma: invalid argument")
)

const wordSize = 8

// ReadData copies n bytes from the target's address space at addr,
// via PTRACE_PEEKDATA word-at-a-time, per spec.md §4.1. tid must
// already be ptrace-stopped.
func ReadData(tid int, addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalid)
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		data := make([]byte, wordSize)
		read, err := unix.PtracePeekData(tid, uintptr(addr+uint64(len(out))), data)
		if err != nil {
			return nil, fmt.Errorf("%w: peekdata at %#x: %v", translate(err), addr, err)
		}
		take := n - len(out)
		if take > read {
			take = read
		}
		if take > wordSize {
			take = wordSize
		}
		out = append(out, data[:take]...)
	}
	return out, nil
}

// WriteData writes data into the target's address space at addr via
// PTRACE_POKEDATA, read-modify-write on the boundary word so partial
// final words don't clobber neighboring bytes.
func WriteData(tid int, addr uint64, data []byte) error {
	off := 0
	for off < len(data) {
		wordAddr := addr + uint64(off)
		remaining := len(data) - off
		if remaining >= wordSize {
			if _, err := unix.PtracePokeData(tid, uintptr(wordAddr), data[off:off+wordSize]); err != nil {
				return fmt.Errorf("%w: pokedata at %#x: %v", translate(err), wordAddr, err)
			}
			off += wordSize
			continue
		}

		existing := make([]byte, wordSize)
		if _, err := unix.PtracePeekData(tid, uintptr(wordAddr), existing); err != nil {
			return fmt.Errorf("%w: peekdata (rmw) at %#x: %v", translate(err), wordAddr, err)
		}
		copy(existing, data[off:])
		if _, err := unix.PtracePokeData(tid, uintptr(wordAddr), existing); err != nil {
			return fmt.Errorf("%w: pokedata (rmw) at %#x: %v", translate(err), wordAddr, err)
		}
		off += remaining
	}
	return nil
}

// ExecCode stages code at scratchAddr (already mapped read-write-exec
// in the target), redirects tid's instruction pointer there, resumes
// the thread, and waits for the INT3 the stub in code carries (see
// internal/instr). It returns the value left in rax once the trap
// fires, then restores the saved register set. tid must already be
// ptrace-stopped.
func ExecCode(tid int, scratchAddr uint64, code []byte) (uint64, error) {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &saved); err != nil {
		return 0, fmt.Errorf("%w: getregs: %v", translate(err), err)
	}

	if err := WriteData(tid, scratchAddr, code); err != nil {
		return 0, err
	}

	regs := saved
	regs.Rip = scratchAddr
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return 0, fmt.Errorf("%w: setregs: %v", translate(err), err)
	}

	if err := unix.PtraceCont(tid, 0); err != nil {
		return 0, fmt.Errorf("%w: cont: %v", translate(err), err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("%w: wait4: %v", translate(err), err)
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		return 0, fmt.Errorf("%w: exec stub did not trap cleanly (status %v)", ErrIO, ws)
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &after); err != nil {
		return 0, fmt.Errorf("%w: getregs (post-trap): %v", translate(err), err)
	}
	ret := after.Rax

	if err := unix.PtraceSetRegs(tid, &saved); err != nil {
		return 0, fmt.Errorf("%w: restore regs: %v", translate(err), err)
	}
	return ret, nil
}

// ReleaseAt stages code at scratchAddr, redirects tid there, and
// resumes without waiting for completion — used to start the service
// channel's run-loop (spec.md §4.4 step 4), which never traps back.
func ReleaseAt(tid int, scratchAddr uint64, code []byte) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return fmt.Errorf("%w: getregs: %v", translate(err), err)
	}
	if err := WriteData(tid, scratchAddr, code); err != nil {
		return err
	}
	regs.Rip = scratchAddr
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return fmt.Errorf("%w: setregs: %v", translate(err), err)
	}
	return unix.PtraceCont(tid, 0)
}

// ExecSyscallAtGadget executes one syscall without writing any code
// into the target: it redirects tid's instruction pointer at an
// already-mapped-executable "syscall" opcode (gadgetAddr — see
// elfinfo.Info.FindSyscallGadget), loads the syscall ABI registers,
// single-steps exactly the one instruction, then restores the saved
// registers. This is the bootstrap the orchestrator's bootstrap-scratch
// stage uses (via BootstrapScratch) for the very first remote mmap, before any writable+executable scratch page exists to
// stage a full instr.Stub into.
func ExecSyscallAtGadget(tid int, gadgetAddr uint64, nr uint64, args ...uint64) (uint64, error) {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &saved); err != nil {
		return 0, fmt.Errorf("%w: getregs: %v", translate(err), err)
	}

	regs := saved
	regs.Rax = nr
	argRegs := [6]*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
	if len(args) > len(argRegs) {
		return 0, fmt.Errorf("%w: too many syscall arguments: %d", ErrInvalid, len(args))
	}
	for i, a := range args {
		*argRegs[i] = a
	}
	regs.Rip = gadgetAddr
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return 0, fmt.Errorf("%w: setregs: %v", translate(err), err)
	}

	if err := unix.PtraceSingleStep(tid); err != nil {
		return 0, fmt.Errorf("%w: singlestep: %v", translate(err), err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("%w: wait4: %v", translate(err), err)
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("%w: gadget singlestep did not stop cleanly (status %v)", ErrIO, ws)
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &after); err != nil {
		return 0, fmt.Errorf("%w: getregs (post-step): %v", translate(err), err)
	}
	ret := after.Rax

	if err := unix.PtraceSetRegs(tid, &saved); err != nil {
		return 0, fmt.Errorf("%w: restore regs: %v", translate(err), err)
	}
	return ret, nil
}

// BootstrapScratch creates the first read-write-exec scratch page in a
// target that has no scratch page yet, by driving the mmap syscall
// through ExecSyscallAtGadget instead of ExecCode. Every later RMA
// operation uses the returned address as its scratchAddr.
func BootstrapScratch(tid int, gadgetAddr uint64, hint uint64, size uint64) (uint64, error) {
	ret, err := ExecSyscallAtGadget(tid, gadgetAddr, instr.SysMmap,
		hint, size, uint64(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uint64(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS), ^uint64(0), 0)
	if err != nil {
		return 0, err
	}
	if signed := int64(ret); signed < 0 && signed > -4096 {
		return 0, fmt.Errorf("%w: bootstrap mmap failed: errno %d", ErrFault, -signed)
	}
	return ret, nil
}

// Mmap synthesizes and executes a remote mmap(2) call, returning the
// mapped address or an error translated from the syscall's negative
// return (the kernel ABI returns -errno, not errno, on failure).
func Mmap(tid int, scratchAddr uint64, addr, length uint64, prot, flags int) (uint64, error) {
	stub, err := instr.SyscallStub(instr.SysMmap, addr, length, uint64(prot), uint64(flags), ^uint64(0), 0)
	if err != nil {
		return 0, err
	}
	ret, err := ExecCode(tid, scratchAddr, stub.Code)
	if err != nil {
		return 0, err
	}
	if signed := int64(ret); signed < 0 && signed > -4096 {
		return 0, fmt.Errorf("%w: remote mmap failed: errno %d", ErrFault, -signed)
	}
	return ret, nil
}

// Munmap synthesizes and executes a remote munmap(2) call.
func Munmap(tid int, scratchAddr uint64, addr, length uint64) error {
	stub, err := instr.SyscallStub(instr.SysMunmap, addr, length)
	if err != nil {
		return err
	}
	ret, err := ExecCode(tid, scratchAddr, stub.Code)
	if err != nil {
		return err
	}
	if signed := int64(ret); signed < 0 {
		return fmt.Errorf("%w: remote munmap failed: errno %d", ErrFault, -signed)
	}
	return nil
}

// Mprotect synthesizes and executes a remote mprotect(2) call, used to
// drop a freshly-written anonymous mapping down to its segment's final
// permissions once the Loader has copied its file contents in.
func Mprotect(tid int, scratchAddr uint64, addr, length uint64, prot int) error {
	stub, err := instr.SyscallStub(instr.SysMprotect, addr, length, uint64(prot))
	if err != nil {
		return err
	}
	ret, err := ExecCode(tid, scratchAddr, stub.Code)
	if err != nil {
		return err
	}
	if signed := int64(ret); signed < 0 {
		return fmt.Errorf("%w: remote mprotect failed: errno %d", ErrFault, -signed)
	}
	return nil
}

func translate(err error) error {
	switch err {
	case unix.EIO:
		return ErrIO
	case unix.EFAULT:
		return ErrFault
	case unix.EAGAIN:
		return ErrAgain
	case unix.EINVAL:
		return ErrInvalid
	case unix.ESRCH:
		return ErrFault
	default:
		return ErrIO
	}
}
