// Package vma models a target process's mapped memory regions (VMAs)
// and groups them into per-ELF DL-Maps, per spec.md §3/§4.3.
package vma

import (
	"fmt"
	"sort"

	"github.com/nsbpatch/nsb/internal/elfinfo"
)

// Protection mirrors /proc/<pid>/maps' rwx bits.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// MappingFlags distinguishes private/shared/anonymous mappings.
type MappingFlags uint8

const (
	FlagPrivate MappingFlags = 1 << iota
	FlagShared
	FlagAnonymous
)

// VMA is one mapped region: [Start, End), file offset, protection,
// flags, backing path, and whether the backing file has been unlinked.
type VMA struct {
	Start   uint64
	End     uint64
	Offset  uint64
	Prot    Protection
	Flags   MappingFlags
	Path    string
	Deleted bool
}

func (v *VMA) Size() uint64 { return v.End - v.Start }

func (v *VMA) Contains(addr uint64) bool { return addr >= v.Start && addr < v.End }

// LoadState tracks a DL-Map's lifecycle per spec.md §4.5:
// unloaded -> mapped -> relocated -> linked.
type LoadState int

const (
	StateUnloaded LoadState = iota
	StateMapped
	StateRelocated
	StateLinked
)

// DLMap is the set of VMAs that together realize one ELF image loaded
// in the target (spec.md §3). Invariant: every VMA shares Path.
type DLMap struct {
	Path    string
	VMAs    []*VMA
	Info    *elfinfo.Info
	ExecVMA *VMA
	State   LoadState
	buildID string
}

// LoadBase is exec_vma.start - exec_vma.pgoff, per spec.md §3.
func (d *DLMap) LoadBase() uint64 {
	if d.ExecVMA == nil {
		return 0
	}
	return d.ExecVMA.Start - d.ExecVMA.Offset
}

// BuildID returns the cached Build-ID, falling back to Info if present.
func (d *DLMap) BuildID() string {
	if d.buildID != "" {
		return d.buildID
	}
	if d.Info != nil {
		return d.Info.BuildID()
	}
	return ""
}

func (d *DLMap) SetBuildID(bid string) { d.buildID = bid }

// ImageRange returns the lowest Start and highest End across every VMA
// belonging to d — the full address span a DL-map occupies. Used by the
// revert safety gate to guard a patched image's whole extent, per
// spec.md §4.2's "[start, end) range of the patched image" predicate.
func (d *DLMap) ImageRange() (start, end uint64) {
	if len(d.VMAs) == 0 {
		return 0, 0
	}
	start, end = d.VMAs[0].Start, d.VMAs[0].End
	for _, v := range d.VMAs[1:] {
		if v.Start < start {
			start = v.Start
		}
		if v.End > end {
			end = v.End
		}
	}
	return start, end
}

// AddVMA inserts v keeping VMAs sorted by Start, and records the
// executable VMA (used to derive LoadBase). It does not check that v is
// disjoint from the VMAs already present.
func (d *DLMap) AddVMA(v *VMA) error {
	if d.Path != "" && v.Path != "" && v.Path != d.Path {
		return fmt.Errorf("vma: DL-map path mismatch: %s != %s", d.Path, v.Path)
	}
	if d.Path == "" {
		d.Path = v.Path
	}
	i := sort.Search(len(d.VMAs), func(i int) bool { return d.VMAs[i].Start >= v.Start })
	d.VMAs = append(d.VMAs, nil)
	copy(d.VMAs[i+1:], d.VMAs[i:])
	d.VMAs[i] = v
	if v.Prot&ProtExec != 0 && d.ExecVMA == nil {
		d.ExecVMA = v
	}
	return nil
}

// Set is the process-wide collection of VMAs and DL-maps, ordered by
// address (spec.md §3 invariant: disjoint, sorted ranges).
type Set struct {
	VMAs   []*VMA
	DLMaps []*DLMap
}

// NewSet groups a flat, address-sorted VMA list into DL-maps keyed by
// backing path (spec.md §4.2 collect_vmas).
func NewSet(vmas []*VMA) *Set {
	sort.Slice(vmas, func(i, j int) bool { return vmas[i].Start < vmas[j].Start })

	s := &Set{VMAs: vmas}
	byPath := map[string]*DLMap{}
	for _, v := range vmas {
		if v.Path == "" {
			continue
		}
		dlm, ok := byPath[v.Path]
		if !ok {
			dlm = &DLMap{Path: v.Path, State: StateLinked}
			byPath[v.Path] = dlm
			s.DLMaps = append(s.DLMaps, dlm)
		}
		_ = dlm.AddVMA(v)
	}
	return s
}

// PopulateInfo opens each DL-map's backing file and attaches the
// parsed elfinfo.Info (symbols, relocations, Build-ID) needed by
// everything downstream of C3. When a DL-map's executable VMA is
// marked Deleted, its /proc/maps pathname no longer exists on disk
// (procfs has already stripped the " (deleted)" suffix by the time it
// reaches here); resolveDeleted recovers the real backing file via
// the caller's /proc/<pid>/map_files/<range> symlink (spec.md §4.2) so
// it can still be opened. resolveDeleted may be nil, in which case
// deleted-file DL-maps are left with a nil Info, same as before.
// DL-maps whose path still can't be opened as ELF (anonymous regions,
// non-ELF mappings) are left with a nil Info and are simply invisible
// to Build-ID lookups.
func (s *Set) PopulateInfo(resolveDeleted func(v *VMA) (string, error)) {
	opened := map[string]*elfinfo.Info{}
	for _, d := range s.DLMaps {
		openPath := d.Path
		if d.ExecVMA != nil && d.ExecVMA.Deleted && resolveDeleted != nil {
			if resolved, err := resolveDeleted(d.ExecVMA); err == nil {
				openPath = resolved
			}
		}
		info, ok := opened[openPath]
		if !ok {
			var err error
			info, err = elfinfo.Open(openPath)
			if err != nil {
				info = nil
			}
			opened[openPath] = info
		}
		if info != nil {
			d.Info = info
			d.SetBuildID(info.BuildID())
		}
	}
}

func (s *Set) FindByAddr(addr uint64) *VMA {
	for _, v := range s.VMAs {
		if v.Contains(addr) {
			return v
		}
	}
	return nil
}

func (s *Set) FindByProt(p Protection) []*VMA {
	var out []*VMA
	for _, v := range s.VMAs {
		if v.Prot&p == p {
			out = append(out, v)
		}
	}
	return out
}

func (s *Set) FindByPath(path string) *DLMap {
	for _, d := range s.DLMaps {
		if d.Path == path {
			return d
		}
	}
	return nil
}

func (s *Set) FindByBuildID(bid string) *DLMap {
	for _, d := range s.DLMaps {
		if d.BuildID() == bid {
			return d
		}
	}
	return nil
}

// kernelReservedStart marks the canonical-address split on x86-64; a
// hole at or above this address is never a usable placement target.
const kernelReservedStart = uint64(0xffff800000000000)

// FindVMAHole scans in ascending order for the lowest gap of at least
// size bytes at or above hint, per the placement policy of spec.md
// §4.3: prefer the lowest hole so 32-bit-encoded relative jumps and
// relocations stay in range.
func (s *Set) FindVMAHole(hint uint64, size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("vma: hole size must be > 0")
	}

	candidate := hint
	for _, v := range s.VMAs {
		if v.End <= candidate {
			continue
		}
		if v.Start >= candidate+size {
			break
		}
		candidate = v.End
	}

	if candidate+size > kernelReservedStart {
		return 0, fmt.Errorf("vma: no hole of size %#x found below kernel-reserved range", size)
	}
	return candidate, nil
}
