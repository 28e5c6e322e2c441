// Package orchestrator is the Orchestrator (C8): the linear
// apply/revert/check/list workflows that compose every other
// subsystem, with explicit reverse-order compensation on failure.
// Grounded in original_source's patch.c top-level entry points
// (patch_process/unpatch_process/check_process/list_process_patches)
// and spec.md §4.8.
package orchestrator

import (
	"fmt"
	"sort"

	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/nsbpatch/nsb/internal/arch"
	"github.com/nsbpatch/nsb/internal/elfinfo"
	"github.com/nsbpatch/nsb/internal/jump"
	"github.com/nsbpatch/nsb/internal/loader"
	"github.com/nsbpatch/nsb/internal/nsbconfig"
	"github.com/nsbpatch/nsb/internal/nsblog"
	"github.com/nsbpatch/nsb/internal/patch"
	"github.com/nsbpatch/nsb/internal/procctl"
	"github.com/nsbpatch/nsb/internal/reloc"
	"github.com/nsbpatch/nsb/internal/rma"
	"github.com/nsbpatch/nsb/internal/service"
	"github.com/nsbpatch/nsb/internal/vma"
)

// binaryOrder is the vzpatch section's wire endianness — little-endian
// on every architecture spec.md's scope covers (§4.1).
func binaryOrder() binary.ByteOrder { return binary.LittleEndian }

// safetySample produces tid's current (rbp, rip) via PTRACE_GETREGS and
// a readWord closure backed by RMA — the sampling function the
// backtrace gate (procctl.AwaitSafeBacktrace) needs to walk a stopped
// thread's frame chain (spec.md §4.2).
func safetySample(tid int) (rbp, rip uint64, readWord func(uint64) (uint64, error), err error) {
	var regs unix.PtraceRegs
	if err = unix.PtraceGetRegs(tid, &regs); err != nil {
		return 0, 0, nil, fmt.Errorf("orchestrator: getregs for backtrace sample: %w", err)
	}
	readWord = func(addr uint64) (uint64, error) {
		data, err := rma.ReadData(tid, addr, 8)
		if err != nil {
			return 0, err
		}
		return binaryOrder().Uint64(data), nil
	}
	return regs.Rbp, regs.Rip, readWord, nil
}

// stage pairs one workflow step's forward action with the
// compensation run if a later stage fails — spec.md §4.8's "failure
// after a step invokes its compensation in reverse".
type stage struct {
	name    string
	forward func() error
	undo    func()
}

func run(stages []stage) error {
	for i, s := range stages {
		if err := s.forward(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stages[j].undo != nil {
					stages[j].undo()
				}
			}
			return fmt.Errorf("orchestrator: stage %q: %w", s.name, err)
		}
	}
	return nil
}

// ListedPatch is one applied-patch summary for the list workflow.
type ListedPatch struct {
	PatchPath  string
	PatchBID   string
	TargetPath string
	TargetBID  string
}

// RebuildRegistry re-derives the applied-patch view from live target
// VMAs (spec.md §5: "not persisted"). Any DL-map whose ELF carries a
// vzpatch section is an applied patch; DL-maps are ordered by load
// address ascending as an approximation of apply order, since
// FindVMAHole's ascending scan means later patches typically land
// higher (see DESIGN.md "registry reconstruction").
func RebuildRegistry(set *vma.Set) (*patch.Registry, error) {
	type candidate struct {
		dlm  *vma.DLMap
		info *patch.Info
	}
	var candidates []candidate
	for _, dlm := range set.DLMaps {
		if dlm.Info == nil {
			continue
		}
		raw, ok := dlm.Info.VzpatchSection()
		if !ok {
			continue
		}
		info, err := patch.DecodeVzpatch(raw, binaryOrder())
		if err != nil {
			nsblog.Warnf("orchestrator: skipping %s: malformed vzpatch section: %v\n", dlm.Path, err)
			continue
		}
		candidates = append(candidates, candidate{dlm: dlm, info: info})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].dlm.LoadBase() < candidates[j].dlm.LoadBase()
	})

	reg := patch.NewRegistry()
	for _, c := range candidates {
		targetDLM := set.FindByBuildID(c.info.TargetBID)
		reg.Append(&patch.Patch{Info: *c.info, PatchDLM: c.dlm, TargetDLM: targetDLM})
	}
	return reg, nil
}

// Apply runs init (open and decode the patch, attach) -> suspend ->
// check-duplicate -> find-target -> bootstrap-scratch -> inject-service
// -> load-patch -> resolve-relocs -> apply-relocs -> apply-static-refs
// -> tune-jumps -> safety-gate -> install-jumps -> resume. load-patch
// runs before resolve-relocs because the relocation plan is computed
// from the patch's live load base; resolve-relocs collects the DYN/PLT
// relocations and the target's NEEDED closure and plans every write
// before apply-relocs issues any. safety-gate is the backtrace predicate of
// §4.2: no thread may be observed returning into a function's first 8
// bytes while they are about to be overwritten with a jump.
// inject-service loads the helper shared object named by
// cfg.ServiceLibPath and connects the Service Channel (C4); since the
// helper's own build is out of scope (spec.md §1) and no downstream
// stage here needs a live channel for a patch blob this small, an
// unset ServiceLibPath skips the stage instead of failing the apply —
// a real deployment always sets it.
func Apply(pid int, patchPath string, cfg nsbconfig.Config, dryRun bool) error {
	patchELF, err := elfinfo.Open(patchPath)
	if err != nil {
		return fmt.Errorf("orchestrator: open patch: %w", err)
	}
	defer patchELF.Close()

	raw, ok := patchELF.VzpatchSection()
	if !ok {
		return fmt.Errorf("%w: no vzpatch section in %s", patch.ErrMalformed, patchPath)
	}
	info, err := patch.DecodeVzpatch(raw, binaryOrder())
	if err != nil {
		return err
	}

	ctrl, err := procctl.Attach(pid, cfg)
	if err != nil {
		return fmt.Errorf("orchestrator: attach: %w", err)
	}

	var (
		set        *vma.Set
		reg        *patch.Registry
		targetDLM  *vma.DLMap
		patchDLM   *vma.DLMap
		serviceDLM *vma.DLMap
		svc        *service.Channel
		scratch    uint64
		plan       *reloc.Plan
		descr      arch.Descriptor
		leaderTid  int
	)

	stages := []stage{
		{name: "suspend", forward: func() error {
			if err := ctrl.Suspend(); err != nil {
				return err
			}
			leaderTid, err = ctrl.LeaderTid()
			return err
		}, undo: func() { ctrl.Resume() }},
		{name: "check-duplicate", forward: func() error {
			set, err = ctrl.CollectVMAs()
			if err != nil {
				return err
			}
			reg, err = RebuildRegistry(set)
			if err != nil {
				return err
			}
			if reg.FindByBuildID(info.PatchBID) != nil {
				return patch.ErrAlreadyApplied
			}
			return nil
		}},
		{name: "find-target", forward: func() error {
			targetDLM = procctl.FindTargetDLM(set, info.TargetBID)
			if targetDLM == nil {
				return patch.ErrTargetNotFound
			}
			descr, err = arch.Lookup(info.PatchArchType)
			return err
		}},
		{name: "bootstrap-scratch", forward: func() error {
			gadget, err := targetDLM.Info.FindSyscallGadget()
			if err != nil {
				return err
			}
			gadgetAddr := targetDLM.LoadBase() + gadget
			addr, err := rma.BootstrapScratch(leaderTid, gadgetAddr, 0, cfg.ScratchSize)
			if err != nil {
				return err
			}
			scratch = addr
			return nil
		}, undo: func() {
			if scratch != 0 {
				_ = rma.Munmap(leaderTid, scratch, scratch, cfg.ScratchSize)
			}
		}},
		{name: "inject-service", forward: func() error {
			if cfg.ServiceLibPath == "" {
				nsblog.Debugf("orchestrator: NSB_SERVICE_LIB_PATH unset, skipping service injection\n")
				return nil
			}
			serviceELF, err := elfinfo.Open(cfg.ServiceLibPath)
			if err != nil {
				return fmt.Errorf("orchestrator: open service lib: %w", err)
			}
			serviceDLM, err = loader.Load(serviceELF, set, leaderTid, scratch, targetDLM.LoadBase())
			if err != nil {
				return fmt.Errorf("orchestrator: load service lib: %w", err)
			}
			svc, err = service.Connect(pid, scratch, leaderTid, serviceDLM, cfg)
			if err != nil {
				return fmt.Errorf("orchestrator: connect service channel: %w", err)
			}
			return nil
		}, undo: func() {
			if svc != nil {
				_ = svc.Stop()
			}
			if serviceDLM != nil {
				_ = loader.Unload(serviceDLM, set, leaderTid, scratch)
			}
		}},
		{name: "load-patch", forward: func() error {
			patchDLM, err = loader.Load(patchELF, set, leaderTid, scratch, targetDLM.LoadBase())
			return err
		}, undo: func() {
			if patchDLM != nil {
				_ = loader.Unload(patchDLM, set, leaderTid, scratch)
			}
		}},
		{name: "resolve-relocs", forward: func() error {
			dyn, plt, err := reloc.Collect(patchELF)
			if err != nil {
				return err
			}
			needed, missing := procctl.CollectNeeded(targetDLM.Info, set)
			if len(missing) > 0 {
				nsblog.Debugf("orchestrator: %d NEEDED libraries unresolved in target, relying on weak/internal symbols only\n", len(missing))
			}
			dynPlan, err := reloc.BuildPlan(dyn, patchDLM, targetDLM, needed)
			if err != nil {
				return err
			}
			pltPlan, err := reloc.BuildPlan(plt, patchDLM, targetDLM, needed)
			if err != nil {
				return err
			}
			plan = &reloc.Plan{Writes: append(dynPlan.Writes, pltPlan.Writes...)}
			return nil
		}},
		{name: "apply-relocs", forward: func() error {
			return reloc.Apply(leaderTid, plan)
		}},
		{name: "apply-static-refs", forward: func() error {
			fixups := make([]reloc.StaticFixup, len(info.StaticFixups))
			for i, f := range info.StaticFixups {
				fixups[i] = reloc.StaticFixup{PatchAddress: f.PatchAddress, TargetValue: f.TargetValue, PatchSize: f.PatchSize}
			}
			return reloc.ApplyStaticFixups(leaderTid, fixups, patchDLM, targetDLM)
		}},
		{name: "tune-jumps", forward: func() error {
			for _, fj := range info.FuncJumps {
				if err := jump.BuildJump(descr, fj, targetDLM, patchDLM); err != nil {
					return err
				}
			}
			return nil
		}},
		{name: "safety-gate", forward: func() error {
			for _, fj := range info.FuncJumps {
				start := fj.FuncAddr
				end := start + uint64(len(fj.FuncJump))
				if err := ctrl.AwaitSafeBacktrace(start, end, safetySample); err != nil {
					return err
				}
			}
			return nil
		}},
		{name: "install-jumps", forward: func() error {
			for _, fj := range info.FuncJumps {
				if err := jump.Install(leaderTid, fj, dryRun); err != nil {
					return err
				}
			}
			reg.Append(&patch.Patch{Info: *info, PatchDLM: patchDLM, TargetDLM: targetDLM})
			return nil
		}},
	}

	applyErr := run(stages)
	// The service socket is single-client and scoped to one invocation
	// (spec.md §5): stop the helper's run-loop before detaching so the
	// next invocation starts its own session cleanly.
	if svc != nil {
		if stopErr := svc.Stop(); stopErr != nil && applyErr == nil {
			applyErr = fmt.Errorf("orchestrator: stop service channel: %w", stopErr)
		}
	}
	if resumeErr := ctrl.Resume(); resumeErr != nil && applyErr == nil {
		applyErr = fmt.Errorf("orchestrator: resume after apply: %w", resumeErr)
	}
	return applyErr
}

// Revert runs init -> suspend -> find-applied -> bootstrap-scratch ->
// safety-gate -> revert-jumps -> unload-patch -> resume. safety-gate
// guards the patched image's whole address range, per §4.2's revert
// predicate.
func Revert(pid int, patchBID string, cfg nsbconfig.Config) error {
	ctrl, err := procctl.Attach(pid, cfg)
	if err != nil {
		return fmt.Errorf("orchestrator: attach: %w", err)
	}

	var (
		set       *vma.Set
		reg       *patch.Registry
		target    *patch.Patch
		scratch   uint64
		leaderTid int
	)

	stages := []stage{
		{name: "suspend", forward: func() error {
			if err := ctrl.Suspend(); err != nil {
				return err
			}
			leaderTid, err = ctrl.LeaderTid()
			return err
		}, undo: func() { ctrl.Resume() }},
		{name: "find-applied", forward: func() error {
			set, err = ctrl.CollectVMAs()
			if err != nil {
				return err
			}
			reg, err = RebuildRegistry(set)
			if err != nil {
				return err
			}
			target = reg.FindByBuildID(patchBID)
			if target == nil {
				return patch.ErrNotFound
			}
			return nil
		}},
		{name: "bootstrap-scratch", forward: func() error {
			if target.TargetDLM == nil {
				return patch.ErrTargetNotFound
			}
			gadget, err := target.TargetDLM.Info.FindSyscallGadget()
			if err != nil {
				return err
			}
			addr, err := rma.BootstrapScratch(leaderTid, target.TargetDLM.LoadBase()+gadget, 0, cfg.ScratchSize)
			if err != nil {
				return err
			}
			scratch = addr
			return nil
		}},
		{name: "safety-gate", forward: func() error {
			start, end := target.PatchDLM.ImageRange()
			return ctrl.AwaitSafeBacktrace(start, end, safetySample)
		}},
		{name: "revert-jumps", forward: func() error {
			for _, fj := range target.Info.FuncJumps {
				if err := jump.Revert(leaderTid, reg, target, fj); err != nil {
					return err
				}
			}
			return nil
		}},
		{name: "unload-patch", forward: func() error {
			reg.Remove(target)
			return loader.Unload(target.PatchDLM, set, leaderTid, scratch)
		}},
	}

	revertErr := run(stages)
	if resumeErr := ctrl.Resume(); resumeErr != nil && revertErr == nil {
		revertErr = fmt.Errorf("orchestrator: resume after revert: %w", resumeErr)
	}
	return revertErr
}

// Check reports whether patchBID is currently applied to pid, without
// mutating the target (spec.md §4.8: "init -> collect-vmas -> look-up
// patch_bid").
func Check(pid int, patchBID string) (bool, error) {
	set, err := procctl.CollectVMAs(pid)
	if err != nil {
		return false, err
	}
	reg, err := RebuildRegistry(set)
	if err != nil {
		return false, err
	}
	return reg.FindByBuildID(patchBID) != nil, nil
}

// List enumerates every applied patch on pid, without mutating the
// target.
func List(pid int) ([]ListedPatch, error) {
	set, err := procctl.CollectVMAs(pid)
	if err != nil {
		return nil, err
	}
	reg, err := RebuildRegistry(set)
	if err != nil {
		return nil, err
	}
	var out []ListedPatch
	for _, p := range reg.All() {
		lp := ListedPatch{PatchPath: p.PatchDLM.Path, PatchBID: p.Info.PatchBID, TargetBID: p.Info.TargetBID}
		if p.TargetDLM != nil {
			lp.TargetPath = p.TargetDLM.Path
		}
		out = append(out, lp)
	}
	return out, nil
}
