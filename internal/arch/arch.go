// Package arch selects the per-architecture behavior the patch engine
// needs: how to encode a function-entry jump and which ELF machine type
// a patch_arch_type string corresponds to. New architectures are added
// by extending the table, not by growing a switch spread across callers.
package arch

import (
	"debug/elf"
	"errors"
	"fmt"
	"math"
)

// ErrDisplacementRange is returned when a jump displacement does not fit
// the architecture's encoding; callers map this to exit code ERANGE.
var ErrDisplacementRange = errors.New("jump displacement out of range")

// JumpEncoder builds the 8-byte sequence that redirects funcAddr to
// patchAddr. It returns ErrDisplacementRange when the encoding can't
// reach patchAddr from funcAddr.
type JumpEncoder func(funcAddr, patchAddr uint64) ([8]byte, error)

// Descriptor is a small vtable for one target architecture, in place of
// an interface with one implementation per arch (see DESIGN.md, "virtual
// dispatch over architecture").
type Descriptor struct {
	Name       string
	ELFMachine elf.Machine
	PointerSize int
	EncodeJump JumpEncoder
}

var table = map[string]Descriptor{
	"EM_X86_64": {
		Name:        "x86_64",
		ELFMachine:  elf.EM_X86_64,
		PointerSize: 8,
		EncodeJump:  encodeJumpX86_64,
	},
	"EM_386": {
		// Covers jump-installer support only: a near JMP rel32 encodes
		// identically on ia32. Relocation resolution does not extend to
		// ia32 patches — elfinfo.decodeRelaSection rejects EM_386 outright,
		// since ia32 carries relocations as addend-less Elf32_Rel entries,
		// a distinct wire format from the Elf64_Rela this engine decodes.
		Name:        "i386",
		ELFMachine:  elf.EM_386,
		PointerSize: 4,
		EncodeJump:  encodeJumpX86_64,
	},
}

// Lookup resolves a PatchInfo.patch_arch_type string (e.g. "EM_X86_64")
// to its descriptor.
func Lookup(patchArchType string) (Descriptor, error) {
	d, ok := table[patchArchType]
	if !ok {
		return Descriptor{}, fmt.Errorf("arch: unsupported patch_arch_type %q", patchArchType)
	}
	return d, nil
}

// ForMachine resolves a descriptor from an elf.Machine value, used when
// the target's own ELF header tells us the architecture rather than the
// patch's vzpatch section.
func ForMachine(m elf.Machine) (Descriptor, error) {
	for _, d := range table {
		if d.ELFMachine == m {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("arch: unsupported ELF machine %s", m)
}

// encodeJumpX86_64 builds "E9 <disp32> <3 NOP-equivalent bytes>" per
// spec.md §4.7: a near relative jump from the instruction following the
// 5-byte JMP (funcAddr+5) to patchAddr, padded to exactly 8 bytes.
func encodeJumpX86_64(funcAddr, patchAddr uint64) ([8]byte, error) {
	var buf [8]byte

	nextIP := funcAddr + 5
	disp := int64(patchAddr) - int64(nextIP)
	// The valid range is symmetric, +-(2^31-1): exactly math.MaxInt32
	// succeeds in either direction, but -2^31 is rejected even though
	// rel32 can otherwise encode it, so the boundary is the same
	// distance on both sides of zero.
	if disp > math.MaxInt32 || disp < -int64(math.MaxInt32) {
		return buf, fmt.Errorf("%w: displacement %#x does not fit in 32 bits", ErrDisplacementRange, disp)
	}

	buf[0] = 0xE9
	d := uint32(int32(disp))
	buf[1] = byte(d)
	buf[2] = byte(d >> 8)
	buf[3] = byte(d >> 16)
	buf[4] = byte(d >> 24)
	// Three single-byte NOPs pad the 5-byte jmp to the full 8-byte slot
	// so the restore path always has a fixed-size original to recover.
	buf[5], buf[6], buf[7] = 0x90, 0x90, 0x90
	return buf, nil
}
