package patch

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestDecodeVzpatchRoundTrip(t *testing.T) {
	info := &Info{
		TargetBID:     "deadbeef",
		PatchBID:      "cafef00d",
		PatchArchType: "EM_X86_64",
		FuncJumps: []*FunctionJump{
			{Name: "do_work", FuncValue: 0x1000, PatchValue: 0x2000, SectionIndex: 1},
		},
		StaticFixups: []StaticFixup{
			{PatchAddress: 0x3000, TargetValue: 42, PatchSize: 4},
		},
	}

	blob := EncodeVzpatch(info, binary.LittleEndian)
	decoded, err := DecodeVzpatch(blob, binary.LittleEndian)
	if err != nil {
		t.Fatalf("DecodeVzpatch: %v", err)
	}

	if decoded.TargetBID != info.TargetBID || decoded.PatchBID != info.PatchBID || decoded.PatchArchType != info.PatchArchType {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if len(decoded.FuncJumps) != 1 || decoded.FuncJumps[0].Name != "do_work" || decoded.FuncJumps[0].FuncValue != 0x1000 {
		t.Fatalf("jumps mismatch: %+v", decoded.FuncJumps)
	}
	if len(decoded.StaticFixups) != 1 || decoded.StaticFixups[0].TargetValue != 42 || decoded.StaticFixups[0].PatchSize != 4 {
		t.Fatalf("fixups mismatch: %+v", decoded.StaticFixups)
	}
}

func TestDecodeVzpatchTruncated(t *testing.T) {
	blob := []byte{0x01, 0x00}
	if _, err := DecodeVzpatch(blob, binary.LittleEndian); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestDecodeVzpatchInvalidPatchSize(t *testing.T) {
	info := &Info{
		PatchArchType: "EM_X86_64",
		StaticFixups:  []StaticFixup{{PatchAddress: 0, TargetValue: 0, PatchSize: 3}},
	}
	blob := EncodeVzpatch(info, binary.LittleEndian)
	if _, err := DecodeVzpatch(blob, binary.LittleEndian); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed for patch_size=3", err)
	}
}

func TestRegistryFindAndRemove(t *testing.T) {
	r := NewRegistry()
	p1 := &Patch{Info: Info{PatchBID: "p1"}}
	p2 := &Patch{Info: Info{PatchBID: "p2"}}
	r.Append(p1)
	r.Append(p2)

	if r.FindByBuildID("p1") != p1 {
		t.Fatal("expected to find p1")
	}
	if r.FindByBuildID("missing") != nil {
		t.Fatal("expected nil for unknown build-id")
	}

	r.Remove(p1)
	if r.FindByBuildID("p1") != nil {
		t.Fatal("expected p1 removed")
	}
	if len(r.All()) != 1 {
		t.Fatalf("expected 1 remaining patch, got %d", len(r.All()))
	}
}

func TestRegistryIterReverseStopsAtMarker(t *testing.T) {
	r := NewRegistry()
	p1 := &Patch{Info: Info{PatchBID: "p1"}}
	p2 := &Patch{Info: Info{PatchBID: "p2"}}
	p3 := &Patch{Info: Info{PatchBID: "p3"}}
	r.Append(p1)
	r.Append(p2)
	r.Append(p3)

	var visited []string
	r.IterReverse(p3, func(p *Patch) bool {
		visited = append(visited, p.Info.PatchBID)
		return true
	})

	if len(visited) != 2 || visited[0] != "p2" || visited[1] != "p1" {
		t.Fatalf("unexpected visit order: %v", visited)
	}
}
