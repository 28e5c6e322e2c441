// Package patch holds the data model of §3: PatchInfo parsed from a
// vzpatch section, the Patch object linking a patch DL-map to the
// target DL-map it patches, and the applied-patch registry.
package patch

import (
	"github.com/nsbpatch/nsb/internal/vma"
)

// FunctionJump is one {name, func_value, patch_value, section_index,
// code, func_jump, func_addr} record from spec.md §3.
type FunctionJump struct {
	Name         string
	FuncValue    uint64
	PatchValue   uint64
	SectionIndex int
	Code         [8]byte // original bytes at the function entry, captured before overwrite
	FuncJump     [8]byte // the jump installed at FuncAddr
	FuncAddr     uint64  // live address, filled in once load bases are known
}

// StaticFixup is one {patch_address, target_value, patch_size} record.
type StaticFixup struct {
	PatchAddress uint64
	TargetValue  uint64
	PatchSize    int // 1, 2, 4, or 8
}

// Info is PatchInfo: the parsed contents of the vzpatch section.
type Info struct {
	TargetBID     string
	PatchBID      string
	PatchArchType string
	FuncJumps     []*FunctionJump
	StaticFixups  []StaticFixup
}

// Patch is the in-memory representation of a vzpatch-bearing ELF: its
// own DL-map, the target DL-map it patches (resolved by Build-ID
// match), and its parsed Info. Patch does not own TargetDLM — see
// DESIGN.md "cyclic/graph ownership".
type Patch struct {
	Info      Info
	PatchDLM  *vma.DLMap
	TargetDLM *vma.DLMap
}

// Registry is the applied-patch log: entries are appended in apply
// order, oldest to newest, and Remove drops one once it is reverted.
// Invariant: no two entries share a PatchBID.
type Registry struct {
	patches []*Patch
}

func NewRegistry() *Registry { return &Registry{} }

// Append adds p after the caller has verified FindByBuildID returns nil
// (the orchestrator's check-duplicate stage).
func (r *Registry) Append(p *Patch) { r.patches = append(r.patches, p) }

// FindByBuildID implements find_patch_by_bid.
func (r *Registry) FindByBuildID(bid string) *Patch {
	for _, p := range r.patches {
		if p.Info.PatchBID == bid {
			return p
		}
	}
	return nil
}

// Remove drops p from the registry (used once a revert has fully
// unwound a patch).
func (r *Registry) Remove(p *Patch) {
	for i, cur := range r.patches {
		if cur == p {
			r.patches = append(r.patches[:i], r.patches[i+1:]...)
			return
		}
	}
}

// All returns the registry in apply order (oldest first).
func (r *Registry) All() []*Patch {
	return r.patches
}

// IterReverse calls visit for each entry older than stopAt, starting
// with the one just before stopAt and walking back to the oldest;
// stopAt itself is not visited, and visit returning false ends the
// walk. When stopAt is not in the registry, every entry is visited,
// newest first. This is the "scan the applied-patch registry before
// this patch in reverse" step of spec.md §4.7's revert algorithm.
func (r *Registry) IterReverse(stopAt *Patch, visit func(*Patch) bool) {
	idx := len(r.patches)
	for i, p := range r.patches {
		if p == stopAt {
			idx = i
			break
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if !visit(r.patches[i]) {
			return
		}
	}
}
