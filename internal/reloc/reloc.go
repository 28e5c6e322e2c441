// Package reloc is the Relocation Resolver (C6): resolves a patch's
// PLT/DYN relocations against a symbol cascade (patch itself, target,
// target's NEEDED closure), plans all writes before issuing any, and
// separately implements the static-reference fixup algorithm of
// spec.md §4.6. Grounded in original_source's patch.c
// (apply_relocation/apply_static_ref) and internal/elfinfo's decoded
// Reloc records.
package reloc

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nsbpatch/nsb/internal/elfinfo"
	"github.com/nsbpatch/nsb/internal/rma"
	"github.com/nsbpatch/nsb/internal/vma"
)

var (
	ErrCopyRelocation = errors.New("reloc: R_COPY-style relocation rejected")
	ErrUnresolved     = errors.New("reloc: unresolved strong symbol")
	ErrOverflow       = errors.New("reloc: relocation overflow")
)

// Write is one planned memory write: an 8-byte little-endian value at
// a live target address.
type Write struct {
	Addr  uint64
	Value uint64
	Kind  elf.R_X86_64
}

// Plan is the complete, unexecuted set of writes for one patch's DYN
// and PLT relocations, ordered DYN-before-PLT per spec.md §4.6.
type Plan struct {
	Writes []Write
}

// Collect decodes the patch ELF's .rela.dyn/.rela.plt sections.
func Collect(patchInfo *elfinfo.Info) (dyn, plt []elfinfo.Reloc, err error) {
	dyn, err = patchInfo.DynRelocations()
	if err != nil {
		return nil, nil, fmt.Errorf("reloc: collect dyn: %w", err)
	}
	plt, err = patchInfo.PltRelocations()
	if err != nil {
		return nil, nil, fmt.Errorf("reloc: collect plt: %w", err)
	}
	return dyn, plt, nil
}

// ResolveSymbol cascades: (1) the patch DL-map itself, (2) the target
// DL-map, (3) the target's NEEDED closure, returning the symbol's live
// address (load_base + value). ok is false when unresolved.
func ResolveSymbol(name string, patchDLM, targetDLM *vma.DLMap, needed []*vma.DLMap) (addr uint64, weak bool, ok bool) {
	if sym, found := patchDLM.Info.Symbol(name); found && sym.Section != elf.SHN_UNDEF {
		return patchDLM.LoadBase() + sym.Value, elf.ST_BIND(sym.Info) == elf.STB_WEAK, true
	}
	if targetDLM != nil && targetDLM.Info != nil {
		if sym, found := targetDLM.Info.Symbol(name); found && sym.Section != elf.SHN_UNDEF {
			return targetDLM.LoadBase() + sym.Value, elf.ST_BIND(sym.Info) == elf.STB_WEAK, true
		}
	}
	for _, dlm := range needed {
		if dlm.Info == nil {
			continue
		}
		if sym, found := dlm.Info.Symbol(name); found && sym.Section != elf.SHN_UNDEF {
			return dlm.LoadBase() + sym.Value, elf.ST_BIND(sym.Info) == elf.STB_WEAK, true
		}
	}
	return 0, false, false
}

// BuildPlan resolves every collected relocation and builds the complete
// write set without touching the target, so a late unresolved-strong-
// symbol failure leaves nothing half-applied (spec.md §4.6).
func BuildPlan(relocs []elfinfo.Reloc, patchDLM, targetDLM *vma.DLMap, needed []*vma.DLMap) (*Plan, error) {
	plan := &Plan{}
	base := patchDLM.LoadBase()
	for _, r := range relocs {
		if r.IsCopy {
			return nil, fmt.Errorf("%w: offset %#x", ErrCopyRelocation, r.Offset)
		}

		var value uint64
		if r.SymName != "" {
			addr, weak, ok := ResolveSymbol(r.SymName, patchDLM, targetDLM, needed)
			if !ok {
				if r.Weak || weak {
					value = 0
				} else {
					return nil, fmt.Errorf("%w: %q", ErrUnresolved, r.SymName)
				}
			} else {
				value = uint64(int64(addr) + r.Addend)
			}
		} else {
			value = uint64(r.Addend)
		}

		plan.Writes = append(plan.Writes, Write{
			Addr:  base + r.Offset,
			Value: value,
			Kind:  r.Type,
		})
	}
	return plan, nil
}

// Apply issues every planned write through tid's ptrace session, in
// plan order (DYN entries precede PLT entries because BuildPlan is
// always called dyn-then-plt and the caller appends in that order).
func Apply(tid int, plan *Plan) error {
	for _, w := range plan.Writes {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, w.Value)
		if err := rma.WriteData(tid, w.Addr, buf); err != nil {
			return fmt.Errorf("reloc: write %#x at %#x: %w", w.Value, w.Addr, err)
		}
	}
	return nil
}

// StaticFixup is one {patch_address, target_value, patch_size} record
// from the patch's PatchInfo (see internal/patch).
type StaticFixup struct {
	PatchAddress uint64
	TargetValue  uint64
	PatchSize    int
}

// ApplyStaticFixups implements spec.md §4.6's static-reference fixup:
//
//	patch_ref_addr = load_base(patch) + patch_address
//	reloc          = target_value + load_base(target) - load_base(patch)  (mod 2^64)
//
// When patch_size < 8, the high (64 - 8*patch_size) bits of reloc must
// equal the sign-extension of its low bits, or the fixup fails with
// ErrOverflow. The write preserves bytes beyond patch_size via an
// 8-byte read-modify-write.
func ApplyStaticFixups(tid int, fixups []StaticFixup, patchDLM, targetDLM *vma.DLMap) error {
	patchBase := patchDLM.LoadBase()
	targetBase := targetDLM.LoadBase()

	for _, f := range fixups {
		refAddr := patchBase + f.PatchAddress
		reloc := f.TargetValue + targetBase - patchBase

		if f.PatchSize < 8 {
			if err := checkFits(reloc, f.PatchSize); err != nil {
				return fmt.Errorf("reloc: static fixup at %#x: %w", refAddr, err)
			}
		}

		if f.PatchSize == 8 {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, reloc)
			if err := rma.WriteData(tid, refAddr, buf); err != nil {
				return fmt.Errorf("reloc: write static fixup at %#x: %w", refAddr, err)
			}
			continue
		}

		existing, err := rma.ReadData(tid, refAddr, 8)
		if err != nil {
			return fmt.Errorf("reloc: read-modify-write fixup at %#x: %w", refAddr, err)
		}
		full := make([]byte, 8)
		binary.LittleEndian.PutUint64(full, reloc)
		copy(existing[:f.PatchSize], full[:f.PatchSize])
		if err := rma.WriteData(tid, refAddr, existing); err != nil {
			return fmt.Errorf("reloc: write static fixup at %#x: %w", refAddr, err)
		}
	}
	return nil
}

// checkFits verifies reloc's value is representable in patchSize
// little-endian bytes under two's-complement sign extension: shifting
// left discards everything above the low patchSize*8 bits, and the
// following arithmetic shift right sign-extends them back to 64 bits;
// the result must reproduce reloc exactly, or the high bits carried
// real information that patchSize bytes can't hold.
func checkFits(reloc uint64, patchSize int) error {
	shift := uint(64 - 8*patchSize)
	roundTripped := uint64(int64(reloc<<shift) >> shift)
	if roundTripped != reloc {
		return fmt.Errorf("%w: value %#x does not fit in %d bytes", ErrOverflow, reloc, patchSize)
	}
	return nil
}
