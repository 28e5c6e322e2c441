// Package loader is the Loader Emulator (C5): maps an ELF image's
// PT_LOAD segments (and its DT_NEEDED closure) into the target process
// at a hole found by internal/vma, and the symmetric unmap. Grounded in
// original_source's process_mmap_dl_map/process_munmap_dl_map and
// spec.md §4.5.
package loader

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/nsbpatch/nsb/internal/elfinfo"
	"github.com/nsbpatch/nsb/internal/nsblog"
	"github.com/nsbpatch/nsb/internal/rma"
	"github.com/nsbpatch/nsb/internal/vma"
)

// searchPaths is the fallback library search order consulted for a
// DT_NEEDED soname with no match already mapped in the target — the
// same standard directories dlopen(3) falls back to absent an
// LD_LIBRARY_PATH or rpath/runpath override, neither of which this
// engine tracks.
var searchPaths = []string{
	"/lib/x86_64-linux-gnu", "/usr/lib/x86_64-linux-gnu",
	"/lib64", "/usr/lib64", "/lib", "/usr/lib",
}

// resolveNeeded locates soname's backing file on disk.
func resolveNeeded(soname string) (string, error) {
	for _, dir := range searchPaths {
		candidate := dir + "/" + soname
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("loader: cannot locate NEEDED library %s in standard search paths", soname)
}

// findBySoname looks up an already-mapped DL-map by its backing file's
// basename, since DT_NEEDED entries carry sonames ("libfoo.so.1") while
// DLMap.Path carries the full resolved path.
func findBySoname(set *vma.Set, soname string) *vma.DLMap {
	for _, d := range set.DLMaps {
		if baseName(d.Path) == soname {
			return d
		}
	}
	return nil
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

const pageSize = 4096

func pageFloor(v uint64) uint64 { return v &^ (pageSize - 1) }
func pageCeil(v uint64) uint64  { return (v + pageSize - 1) &^ (pageSize - 1) }

// segment is one PT_LOAD program header translated into page-aligned
// target-relative placement.
type segment struct {
	vaddrOff uint64 // offset from the image's lowest PT_LOAD vaddr, page-floored
	fileOff  int64
	fileSize uint64
	memSize  uint64
	prot     int
}

// Load computes the minimal VMA set for info, places it via
// vma.FindVMAHole(hint, ...), issues synthesized mmap calls through tid
// (already ptrace-stopped, with scratchAddr mapped read-write-exec),
// copies each segment's file bytes in, and tightens permissions to
// their final value. Recurses into DT_NEEDED entries missing from set.
func Load(info *elfinfo.Info, set *vma.Set, tid int, scratchAddr uint64, hint uint64) (*vma.DLMap, error) {
	if existing := set.FindByBuildID(info.BuildID()); existing != nil {
		return existing, nil
	}

	segs, lowVaddr, highVaddr, err := planSegments(info)
	if err != nil {
		return nil, err
	}
	total := highVaddr - lowVaddr

	base, err := set.FindVMAHole(hint, total)
	if err != nil {
		return nil, fmt.Errorf("loader: find hole for %s: %w", info.Path, err)
	}

	dlm := &vma.DLMap{Path: info.Path, Info: info, State: vma.StateUnloaded}
	var mapped []*vma.VMA

	rollback := func(cause error) (*vma.DLMap, error) {
		for _, v := range mapped {
			if uerr := rma.Munmap(tid, scratchAddr, v.Start, v.Size()); uerr != nil {
				nsblog.Warnf("loader: rollback munmap %#x failed: %v\n", v.Start, uerr)
			}
		}
		return nil, cause
	}

	for _, s := range segs {
		addr := base + s.vaddrOff
		if _, err := rma.Mmap(tid, scratchAddr, addr, s.memSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED); err != nil {
			return rollback(fmt.Errorf("loader: mmap segment at %#x: %w", addr, err))
		}

		v := &vma.VMA{Start: addr, End: addr + s.memSize, Offset: 0, Path: info.Path}
		if s.prot&unix.PROT_EXEC != 0 {
			v.Prot |= vma.ProtExec
		}
		if s.prot&unix.PROT_WRITE != 0 {
			v.Prot |= vma.ProtWrite
		}
		if s.prot&unix.PROT_READ != 0 {
			v.Prot |= vma.ProtRead
		}
		v.Flags = vma.FlagPrivate
		mapped = append(mapped, v)

		if s.fileSize > 0 {
			data, err := info.ReadFileBytes(s.fileOff, int(s.fileSize))
			if err != nil {
				return rollback(fmt.Errorf("loader: read segment bytes: %w", err))
			}
			if err := rma.WriteData(tid, addr, data); err != nil {
				return rollback(fmt.Errorf("loader: write segment bytes: %w", err))
			}
		}

		if s.prot != unix.PROT_READ|unix.PROT_WRITE {
			if err := rma.Mprotect(tid, scratchAddr, addr, s.memSize, s.prot); err != nil {
				return rollback(fmt.Errorf("loader: mprotect segment at %#x: %w", addr, err))
			}
		}
	}

	for _, v := range mapped {
		if err := dlm.AddVMA(v); err != nil {
			return rollback(err)
		}
	}
	dlm.SetBuildID(info.BuildID())
	dlm.State = vma.StateMapped
	set.DLMaps = append(set.DLMaps, dlm)
	set.VMAs = append(set.VMAs, mapped...)
	sort.Slice(set.VMAs, func(i, j int) bool { return set.VMAs[i].Start < set.VMAs[j].Start })

	for _, soname := range info.Needed() {
		if findBySoname(set, soname) != nil {
			continue
		}
		path, err := resolveNeeded(soname)
		if err != nil {
			nsblog.Debugf("loader: NEEDED %s not resolved: %v; relying on weak/internal symbols only\n", soname, err)
			continue
		}
		depInfo, err := elfinfo.Open(path)
		if err != nil {
			nsblog.Warnf("loader: open NEEDED %s at %s: %v\n", soname, path, err)
			continue
		}
		if _, err := Load(depInfo, set, tid, scratchAddr, hint); err != nil {
			depInfo.Close()
			return rollback(fmt.Errorf("loader: load NEEDED %s: %w", soname, err))
		}
	}

	return dlm, nil
}

// Unload reverses Load: munmaps every VMA composing dlm. Idempotent —
// calling it twice, or on a DLMap already StateUnloaded, is a no-op, so
// rollback paths can call it unconditionally.
func Unload(dlm *vma.DLMap, set *vma.Set, tid int, scratchAddr uint64) error {
	if dlm.State == vma.StateUnloaded {
		return nil
	}
	var firstErr error
	for _, v := range dlm.VMAs {
		if err := rma.Munmap(tid, scratchAddr, v.Start, v.Size()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("loader: munmap %#x: %w", v.Start, err)
		}
	}
	dlm.State = vma.StateUnloaded

	newVMAs := make([]*vma.VMA, 0, len(set.VMAs))
	for _, v := range set.VMAs {
		if !belongsTo(dlm, v) {
			newVMAs = append(newVMAs, v)
		}
	}
	set.VMAs = newVMAs

	newDLMaps := make([]*vma.DLMap, 0, len(set.DLMaps))
	for _, d := range set.DLMaps {
		if d != dlm {
			newDLMaps = append(newDLMaps, d)
		}
	}
	set.DLMaps = newDLMaps

	return firstErr
}

func belongsTo(dlm *vma.DLMap, v *vma.VMA) bool {
	for _, dv := range dlm.VMAs {
		if dv == v {
			return true
		}
	}
	return false
}

// planSegments reduces info's PT_LOAD program headers to page-aligned
// placement segments, per spec.md §4.5's "minimal VMA set honoring
// p_align" requirement.
func planSegments(info *elfinfo.Info) (segs []segment, lowVaddr, highVaddr uint64, err error) {
	progs := info.File.Progs
	lowVaddr = ^uint64(0)
	for _, p := range progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < lowVaddr {
			lowVaddr = p.Vaddr
		}
	}
	if lowVaddr == ^uint64(0) {
		return nil, 0, 0, fmt.Errorf("loader: %s has no PT_LOAD segments", info.Path)
	}
	lowVaddr = pageFloor(lowVaddr)

	for _, p := range progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segStart := pageFloor(p.Vaddr)
		segEnd := pageCeil(p.Vaddr + p.Memsz)
		if segEnd > highVaddr {
			highVaddr = segEnd
		}

		var prot int
		if p.Flags&elf.PF_R != 0 {
			prot |= unix.PROT_READ
		}
		if p.Flags&elf.PF_W != 0 {
			prot |= unix.PROT_WRITE
		}
		if p.Flags&elf.PF_X != 0 {
			prot |= unix.PROT_EXEC
		}

		segs = append(segs, segment{
			vaddrOff: segStart - lowVaddr,
			fileOff:  int64(pageFloor(p.Off)),
			fileSize: minU64(p.Filesz+(p.Off-pageFloor(p.Off)), p.Memsz),
			memSize:  segEnd - segStart,
			prot:     prot,
		})
	}
	return segs, lowVaddr, highVaddr, nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
