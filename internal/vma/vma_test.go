package vma

import "testing"

func TestNewSetGroupsByPath(t *testing.T) {
	vmas := []*VMA{
		{Start: 0x2000, End: 0x3000, Offset: 0x1000, Path: "/lib/libc.so", Prot: ProtRead},
		{Start: 0x1000, End: 0x2000, Offset: 0x0, Path: "/lib/libc.so", Prot: ProtRead | ProtExec},
		{Start: 0x5000, End: 0x6000, Path: ""},
	}
	s := NewSet(vmas)

	if len(s.DLMaps) != 1 {
		t.Fatalf("expected 1 DL-map, got %d", len(s.DLMaps))
	}
	dlm := s.DLMaps[0]
	if len(dlm.VMAs) != 2 {
		t.Fatalf("expected 2 VMAs in DL-map, got %d", len(dlm.VMAs))
	}
	if dlm.VMAs[0].Start != 0x1000 || dlm.VMAs[1].Start != 0x2000 {
		t.Fatalf("VMAs not sorted by Start: %+v", dlm.VMAs)
	}
	if dlm.ExecVMA == nil || dlm.ExecVMA.Start != 0x1000 {
		t.Fatalf("expected ExecVMA at 0x1000, got %+v", dlm.ExecVMA)
	}
	if got := dlm.LoadBase(); got != 0x1000 {
		t.Fatalf("LoadBase = %#x, want 0x1000", got)
	}
}

func TestFindVMAHoleNoOverlap(t *testing.T) {
	s := &Set{VMAs: []*VMA{
		{Start: 0x1000, End: 0x2000},
		{Start: 0x4000, End: 0x5000},
	}}

	hole, err := s.FindVMAHole(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("FindVMAHole: %v", err)
	}
	if hole != 0x2000 {
		t.Fatalf("hole = %#x, want 0x2000 (lowest gap after first mapping)", hole)
	}
}

func TestFindVMAHoleSkipsMultipleMappings(t *testing.T) {
	s := &Set{VMAs: []*VMA{
		{Start: 0x1000, End: 0x2000},
		{Start: 0x2000, End: 0x3000},
		{Start: 0x3000, End: 0x4000},
	}}

	hole, err := s.FindVMAHole(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("FindVMAHole: %v", err)
	}
	if hole != 0x4000 {
		t.Fatalf("hole = %#x, want 0x4000", hole)
	}
}

func TestFindVMAHoleZeroSize(t *testing.T) {
	s := &Set{}
	if _, err := s.FindVMAHole(0x1000, 0); err == nil {
		t.Fatal("expected error for zero-size hole request")
	}
}

func TestFindByBuildID(t *testing.T) {
	dlm := &DLMap{Path: "/patch.so"}
	dlm.SetBuildID("deadbeef")
	s := &Set{DLMaps: []*DLMap{dlm}}

	if got := s.FindByBuildID("deadbeef"); got != dlm {
		t.Fatalf("FindByBuildID did not return the matching DL-map")
	}
	if got := s.FindByBuildID("missing"); got != nil {
		t.Fatalf("FindByBuildID should return nil for unknown build-id, got %+v", got)
	}
}

func TestAddVMAPathMismatch(t *testing.T) {
	dlm := &DLMap{Path: "/a.so"}
	err := dlm.AddVMA(&VMA{Start: 0x1000, End: 0x2000, Path: "/b.so"})
	if err == nil {
		t.Fatal("expected path mismatch error")
	}
}
