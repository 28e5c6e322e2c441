// Package service is the Service Channel (C4): the helper shared
// object injected into the target, and the controller-side client that
// talks to it over an abstract SOCK_SEQPACKET socket. Grounded in
// original_source's service.c (service_start/service_read/
// service_write/service_stop) with the C structs translated to
// encoding/binary wire types.
package service

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nsbpatch/nsb/internal/instr"
	"github.com/nsbpatch/nsb/internal/nsbconfig"
	"github.com/nsbpatch/nsb/internal/nsblog"
	"github.com/nsbpatch/nsb/internal/rma"
	"github.com/nsbpatch/nsb/internal/vma"
)

// Command is the request opcode of the wire protocol.
type Command uint32

const (
	CmdRead Command = iota
	CmdWrite
	CmdStop
	CmdEmergSigframe
)

var ErrTooLarge = errors.New("service: transfer exceeds RWDataSizeMax")

// response mirrors struct nsb_service_response: a return-code header
// followed by the fixed-size data array, encoded little-endian — the
// host byte order on x86-64, the only host this engine builds for
// (internal/rma drives x86-64 registers). Both the helper and the
// controller run on the same machine, so no cross-endian concern
// exists on the wire. The
// request side is built inline by send() since its payload shape
// varies per command (read/write carry a target address and size;
// stop and emerg-sigframe carry their own fixed layouts).
type response struct {
	Ret  int32
	Data []byte
}

// Channel is one connected service session against a single target
// process.
type Channel struct {
	PID      int
	cfg      nsbconfig.Config
	conn     net.Conn
	runner   uint64 // address of nsb_service_run_loop in the target
	released bool
}

// Connect implements service_start/service_connect: locates the
// helper's exported symbols inside serviceDLM, dials the abstract
// socket first (service_local_connect), then executes
// nsb_service_accept remotely so the helper picks up that connection —
// reversing this order deadlocks, since accept() on a SOCK_SEQPACKET
// socket blocks until a peer dials in, and ExecCode itself blocks
// waiting for the target to trap out of that call — then hands over
// the emergency sigframe and releases the target into its run-loop.
func Connect(pid int, scratchAddr uint64, tid int, serviceDLM *vma.DLMap, cfg nsbconfig.Config) (*Channel, error) {
	if serviceDLM.Info == nil {
		return nil, fmt.Errorf("service: helper DL-map has no parsed ELF info")
	}

	acceptSym, ok := serviceDLM.Info.Symbol("nsb_service_accept")
	if !ok {
		return nil, fmt.Errorf("service: helper is missing nsb_service_accept")
	}
	acceptAddr := serviceDLM.LoadBase() + acceptSym.Value

	conn, err := net.Dial("unixpacket", fmt.Sprintf("@%s%d", cfg.ServiceSocketPrefix, pid))
	if err != nil {
		return nil, fmt.Errorf("service: connect to helper socket: %w", err)
	}
	nsblog.Debugf("connected to service socket for pid %d\n", pid)

	stub, err := callStub(acceptAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := rma.ExecCode(tid, scratchAddr, stub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("service: remote accept: %w", err)
	}

	ch := &Channel{PID: pid, cfg: cfg, conn: conn}

	runnerSym, ok := serviceDLM.Info.Symbol("nsb_service_run_loop")
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("service: helper is missing nsb_service_run_loop")
	}
	ch.runner = serviceDLM.LoadBase() + runnerSym.Value

	sigframeSym, ok := serviceDLM.Info.Symbol("emergency_sigframe")
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("service: helper is missing emergency_sigframe")
	}
	sigframeAddr := serviceDLM.LoadBase() + sigframeSym.Value

	if err := ch.provideSigframe(tid, scratchAddr, sigframeAddr); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.release(tid, scratchAddr); err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

// provideSigframe sends the helper the synthesized emergency sigframe
// (an opaque blob the loader arranges; here treated as the raw address
// the helper itself already installed) and runs the helper once
// (service_run(once=true)) to have it consume the request before the
// full run-loop starts.
func (ch *Channel) provideSigframe(tid int, scratchAddr, sigframeAddr uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, sigframeAddr)

	if err := ch.send(CmdEmergSigframe, payload); err != nil {
		return err
	}

	stub, err := callStub(ch.runner, 1, 0)
	if err != nil {
		return err
	}
	if _, err := rma.ExecCode(tid, scratchAddr, stub); err != nil {
		return fmt.Errorf("service: run-once for sigframe handoff: %w", err)
	}

	if _, err := ch.recv(); err != nil {
		return err
	}
	return nil
}

// release implements service_release: starts the helper's persistent
// run-loop with ReleaseAt (no wait for completion — the loop runs
// until CmdStop).
func (ch *Channel) release(tid int, scratchAddr uint64) error {
	if ch.released {
		return nil
	}
	stub, err := callStub(ch.runner, 0, 1)
	if err != nil {
		return err
	}
	if err := rma.ReleaseAt(tid, scratchAddr, stub); err != nil {
		return fmt.Errorf("service: release into run-loop: %w", err)
	}
	ch.released = true
	nsblog.Debugf("service released for pid %d\n", ch.PID)
	return nil
}

// Stop implements service_stop/service_interrupt: asks the run-loop to
// exit via CmdStop, waits for its acknowledgement, and closes the
// socket. It does not wait for or re-stop the thread that was running
// the loop.
func (ch *Channel) Stop() error {
	if ch.released {
		if err := ch.send(CmdStop, nil); err != nil {
			return err
		}
		if _, err := ch.recv(); err != nil {
			return err
		}
		ch.released = false
		nsblog.Debugf("service caught for pid %d\n", ch.PID)
	}
	return ch.conn.Close()
}

// Read implements service_read: proxies an RMA read through the
// helper rather than PEEKDATA, for transfers whose size makes
// word-at-a-time ptrace copying impractical.
func (ch *Channel) Read(addr uint64, n int) ([]byte, error) {
	if n > ch.cfg.RWDataSizeMax {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, ch.cfg.RWDataSizeMax)
	}
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], addr)
	binary.LittleEndian.PutUint64(payload[8:16], uint64(n))

	if err := ch.send(CmdRead, payload); err != nil {
		return nil, err
	}
	rs, err := ch.recv()
	if err != nil {
		return nil, err
	}
	if rs.Ret < 0 {
		return nil, fmt.Errorf("service: remote read failed: errno %d", -rs.Ret)
	}
	if len(rs.Data) < n {
		return nil, fmt.Errorf("service: short read: got %d want %d", len(rs.Data), n)
	}
	return rs.Data[:n], nil
}

// Write implements service_write.
func (ch *Channel) Write(addr uint64, data []byte) error {
	if len(data) > ch.cfg.RWDataSizeMax {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), ch.cfg.RWDataSizeMax)
	}
	payload := make([]byte, 16+len(data))
	binary.LittleEndian.PutUint64(payload[0:8], addr)
	binary.LittleEndian.PutUint64(payload[8:16], uint64(len(data)))
	copy(payload[16:], data)

	if err := ch.send(CmdWrite, payload); err != nil {
		return err
	}
	rs, err := ch.recv()
	if err != nil {
		return err
	}
	if rs.Ret < 0 {
		return fmt.Errorf("service: remote write failed: errno %d", -rs.Ret)
	}
	return nil
}

func (ch *Channel) send(cmd Command, payload []byte) error {
	buf := make([]byte, 4+ch.cfg.RWDataSizeMax)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	copy(buf[4:], payload)

	ch.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := ch.conn.Write(buf)
	if err != nil {
		return fmt.Errorf("service: send request: %w", err)
	}
	return nil
}

func (ch *Channel) recv() (response, error) {
	buf := make([]byte, 4+ch.cfg.RWDataSizeMax)
	ch.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := ch.conn.Read(buf)
	if err != nil {
		return response{}, fmt.Errorf("service: receive response: %w", err)
	}
	if n < 4 {
		return response{}, fmt.Errorf("service: truncated response: %d bytes", n)
	}
	return response{
		Ret:  int32(binary.LittleEndian.Uint32(buf[0:4])),
		Data: buf[4:n],
	}, nil
}

// callStub synthesizes the x86-64 SysV call sequence the original's
// x86_64_call helper builds: load each argument into its ABI register,
// load target into rax, CALL rax, then trap so ExecCode/ReleaseAt can
// detect completion (or, for ReleaseAt, so a crash-landed return still
// hits a recognizable byte rather than running off into the target).
func callStub(target uint64, args ...uint64) ([]byte, error) {
	if len(args) > len(callArgRegs) {
		return nil, fmt.Errorf("service: too many call arguments: %d", len(args))
	}
	var code []byte
	for i, a := range args {
		code = append(code, instr.MovImmediate(callArgRegs[i], a)...)
	}
	code = append(code, instr.MovImmediate(instr.RAX, target)...)
	code = append(code, 0xFF, 0xD0) // call rax
	code = append(code, instr.Int3()...)
	return code, nil
}

// callArgRegs is the x86-64 SysV integer argument order (rdi, rsi,
// rdx, rcx, r8, r9 — unlike a raw syscall, a CALL doesn't clobber rcx,
// so it takes the ABI's normal fourth slot instead of r10).
var callArgRegs = [6]instr.Reg{instr.RDI, instr.RSI, instr.RDX, instr.RCX, instr.R8, instr.R9}
