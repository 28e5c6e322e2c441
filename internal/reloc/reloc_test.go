package reloc

import (
	"debug/elf"
	"errors"
	"testing"

	"github.com/nsbpatch/nsb/internal/elfinfo"
	"github.com/nsbpatch/nsb/internal/vma"
)

// Boundary behavior per spec: patch_size=1 with reloc=127 succeeds,
// reloc=128 fails with ErrOverflow.
func TestCheckFitsBoundary(t *testing.T) {
	if err := checkFits(127, 1); err != nil {
		t.Fatalf("reloc=127, patch_size=1: unexpected error %v", err)
	}
	if err := checkFits(128, 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("reloc=128, patch_size=1: got %v, want ErrOverflow", err)
	}
}

func TestCheckFitsNegativeWithinRange(t *testing.T) {
	// -128 is the most negative value representable in a signed byte.
	if err := checkFits(uint64(int64(-128)), 1); err != nil {
		t.Fatalf("reloc=-128, patch_size=1: unexpected error %v", err)
	}
	if err := checkFits(uint64(int64(-129)), 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("reloc=-129, patch_size=1: expected ErrOverflow")
	}
}

func TestCheckFitsFourBytes(t *testing.T) {
	if err := checkFits(uint64(int64(1)<<31-1), 4); err != nil {
		t.Fatalf("max positive int32 in 4 bytes: unexpected error %v", err)
	}
	if err := checkFits(uint64(int64(1)<<31), 4); !errors.Is(err, ErrOverflow) {
		t.Fatalf("2^31 in 4 bytes: expected ErrOverflow")
	}
}

func TestBuildPlanRejectsCopyRelocation(t *testing.T) {
	relocs := []elfinfo.Reloc{{Offset: 0x10, IsCopy: true}}
	dlm := &vma.DLMap{Info: &elfinfo.Info{}}
	_, err := BuildPlan(relocs, dlm, nil, nil)
	if !errors.Is(err, ErrCopyRelocation) {
		t.Fatalf("got %v, want ErrCopyRelocation", err)
	}
}

func TestBuildPlanAddendOnlyRelocation(t *testing.T) {
	relocs := []elfinfo.Reloc{{Offset: 0x20, Addend: 0x55, Type: elf.R_X86_64_RELATIVE}}
	dlm := &vma.DLMap{Info: &elfinfo.Info{}}
	plan, err := BuildPlan(relocs, dlm, nil, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Writes) != 1 || plan.Writes[0].Value != 0x55 || plan.Writes[0].Addr != 0x20 {
		t.Fatalf("unexpected plan: %+v", plan.Writes)
	}
}

func TestBuildPlanUnresolvedWeakSymbolZeroes(t *testing.T) {
	relocs := []elfinfo.Reloc{{Offset: 0x30, SymName: "missing_weak", Weak: true}}
	dlm := &vma.DLMap{Info: &elfinfo.Info{}}
	plan, err := BuildPlan(relocs, dlm, nil, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Writes[0].Value != 0 {
		t.Fatalf("weak unresolved symbol should resolve to 0, got %#x", plan.Writes[0].Value)
	}
}

func TestBuildPlanUnresolvedStrongSymbolFails(t *testing.T) {
	relocs := []elfinfo.Reloc{{Offset: 0x30, SymName: "missing_strong"}}
	dlm := &vma.DLMap{Info: &elfinfo.Info{}}
	_, err := BuildPlan(relocs, dlm, nil, nil)
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("got %v, want ErrUnresolved", err)
	}
}
