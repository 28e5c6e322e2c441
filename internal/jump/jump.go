// Package jump is the Jump Installer (C7): builds and writes the
// 8-byte relative-branch trampoline at each patched function's entry,
// and reverts it — honoring the "previous owner" rule for stacked
// patches. Grounded in original_source's patch.c (install_jmp/
// restore_jmp) and internal/arch's per-architecture jump encoder.
package jump

import (
	"bytes"
	"fmt"

	"github.com/nsbpatch/nsb/internal/arch"
	"github.com/nsbpatch/nsb/internal/patch"
	"github.com/nsbpatch/nsb/internal/rma"
	"github.com/nsbpatch/nsb/internal/vma"
)

// BuildJump computes func_addr/patch_addr from the DL-maps' load
// bases and fj's recorded values, encodes the jump via d, and reads
// the original on-disk bytes at the function's entry so fj carries
// everything Install/Revert need. It does not write to the target —
// the caller decides when, honoring dry-run.
func BuildJump(d arch.Descriptor, fj *patch.FunctionJump, targetDLM, patchDLM *vma.DLMap) error {
	funcAddr := targetDLM.LoadBase() + fj.FuncValue
	patchAddr := patchDLM.LoadBase() + fj.PatchValue
	fj.FuncAddr = funcAddr

	code, err := d.EncodeJump(funcAddr, patchAddr)
	if err != nil {
		return fmt.Errorf("jump: encode %s: %w", fj.Name, err)
	}
	fj.FuncJump = code

	fileOff, err := targetDLM.Info.FileOffsetForValue(fj.SectionIndex, fj.FuncValue)
	if err != nil {
		return fmt.Errorf("jump: locate original bytes for %s: %w", fj.Name, err)
	}
	orig, err := targetDLM.Info.ReadFileBytes(fileOff, 8)
	if err != nil {
		return fmt.Errorf("jump: read original bytes for %s: %w", fj.Name, err)
	}
	copy(fj.Code[:], orig)
	return nil
}

// Install writes fj.FuncJump at fj.FuncAddr. In dry-run mode it is a
// no-op — BuildJump has already done the only work dry-run needs to
// validate (displacement range, original-byte capture).
func Install(tid int, fj *patch.FunctionJump, dryRun bool) error {
	if dryRun {
		return nil
	}
	if err := rma.WriteData(tid, fj.FuncAddr, fj.FuncJump[:]); err != nil {
		return fmt.Errorf("jump: install at %#x: %w", fj.FuncAddr, err)
	}
	return nil
}

// Revert implements spec.md §4.7's revert algorithm for one function
// jump belonging to p within reg. If the live bytes no longer match
// fj.FuncJump, a later patch has superseded this entry and it is
// skipped (that later patch will handle it on its own revert).
// Otherwise the registry is scanned in reverse, before p, restricted
// to the same target DL-map, for the most recent prior patch that also
// installed a jump at this FuncAddr; that owner's jump is reinstalled,
// or — if none is found — the original bytes are restored.
func Revert(tid int, reg *patch.Registry, p *patch.Patch, fj *patch.FunctionJump) error {
	live, err := rma.ReadData(tid, fj.FuncAddr, 8)
	if err != nil {
		return fmt.Errorf("jump: read live bytes at %#x: %w", fj.FuncAddr, err)
	}
	if !bytes.Equal(live, fj.FuncJump[:]) {
		return nil // superseded by a later patch; that patch owns the revert
	}

	var owner *patch.FunctionJump
	reg.IterReverse(p, func(prior *patch.Patch) bool {
		if prior.TargetDLM != p.TargetDLM {
			return true
		}
		for _, priorFJ := range prior.Info.FuncJumps {
			if priorFJ.FuncAddr == fj.FuncAddr {
				owner = priorFJ
				return false
			}
		}
		return true
	})

	if owner != nil {
		if err := rma.WriteData(tid, fj.FuncAddr, owner.FuncJump[:]); err != nil {
			return fmt.Errorf("jump: restore previous owner's jump at %#x: %w", fj.FuncAddr, err)
		}
		return nil
	}

	if err := rma.WriteData(tid, fj.FuncAddr, fj.Code[:]); err != nil {
		return fmt.Errorf("jump: restore original bytes at %#x: %w", fj.FuncAddr, err)
	}
	return nil
}
