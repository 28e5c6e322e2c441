// Package procctl is the Process Controller (C2): attach, enumerate
// threads, suspend to quiescence, inspect backtraces against the
// mutation safety gate, and resume. Grounded in original_source's
// process.h (process_attach/process_suspend/process_resume,
// check_backtrace) and built on golang.org/x/sys/unix's ptrace
// wrappers, same as internal/rma.
package procctl

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nsbpatch/nsb/internal/elfinfo"
	"github.com/nsbpatch/nsb/internal/nsbconfig"
	"github.com/nsbpatch/nsb/internal/nsblog"
	"github.com/nsbpatch/nsb/internal/patch"
	"github.com/nsbpatch/nsb/internal/procfs"
	"github.com/nsbpatch/nsb/internal/vma"
)

// Controller owns one target process's ptrace session.
type Controller struct {
	PID     int
	cfg     nsbconfig.Config
	stopped map[int]bool // tids currently ptrace-stopped by us
}

func Attach(pid int, cfg nsbconfig.Config) (*Controller, error) {
	tids, err := procfs.ListThreads(pid)
	if err != nil {
		return nil, fmt.Errorf("procctl: list threads for pid %d: %w", pid, err)
	}
	c := &Controller{PID: pid, cfg: cfg, stopped: make(map[int]bool)}
	for _, tid := range tids {
		if err := unix.PtraceAttach(tid); err != nil {
			c.Resume()
			return nil, fmt.Errorf("procctl: attach tid %d: %w", tid, err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
			c.Resume()
			return nil, fmt.Errorf("procctl: wait for tid %d: %w", tid, err)
		}
		c.stopped[tid] = true
	}
	return c, nil
}

// Suspend stops every thread of the target, and any thread that
// appears during the loop, iterating until a full pass over
// /proc/<pid>/task finds nothing new to attach — the quiescence loop
// of spec.md §4.2.
func (c *Controller) Suspend() error {
	for {
		tids, err := procfs.ListThreads(c.PID)
		if err != nil {
			return fmt.Errorf("procctl: list threads for pid %d: %w", c.PID, err)
		}
		newlyAttached := false
		for _, tid := range tids {
			if c.stopped[tid] {
				continue
			}
			if err := unix.PtraceAttach(tid); err != nil {
				continue // thread may have exited between listing and attach
			}
			var ws unix.WaitStatus
			if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
				continue
			}
			c.stopped[tid] = true
			newlyAttached = true
		}
		if !newlyAttached {
			return nil
		}
	}
}

// Resume detaches every thread this controller stopped, releasing the
// target back to normal execution.
func (c *Controller) Resume() error {
	var firstErr error
	for tid := range c.stopped {
		if err := unix.PtraceDetach(tid, 0); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("procctl: detach tid %d: %w", tid, err)
		}
		delete(c.stopped, tid)
	}
	return firstErr
}

// Threads returns the tids currently stopped by this controller.
func (c *Controller) Threads() []int {
	out := make([]int, 0, len(c.stopped))
	for tid := range c.stopped {
		out = append(out, tid)
	}
	return out
}

// LeaderTid returns a single stable tid to drive every synthesized
// remote call within one orchestration invocation (PID itself, the
// thread group leader, when still stopped; otherwise the lowest stopped
// tid). Address-space operations like PEEKDATA/POKEDATA and ExecCode
// don't care which thread executes them, but reusing one thread keeps
// a run's behavior deterministic instead of depending on Go's
// randomized map iteration order.
func (c *Controller) LeaderTid() (int, error) {
	if c.stopped[c.PID] {
		return c.PID, nil
	}
	lowest := -1
	for tid := range c.stopped {
		if lowest == -1 || tid < lowest {
			lowest = tid
		}
	}
	if lowest == -1 {
		return 0, fmt.Errorf("procctl: no stopped threads for pid %d", c.PID)
	}
	return lowest, nil
}

// CollectVMAs reads /proc/<pid>/maps, groups it into a vma.Set, and
// attaches parsed ELF info to each DL-map.
func (c *Controller) CollectVMAs() (*vma.Set, error) {
	return CollectVMAs(c.PID)
}

// CollectVMAs is the package-level form used by callers (Check, List)
// that inspect a target without attaching to it.
func CollectVMAs(pid int) (*vma.Set, error) {
	vmas, err := procfs.ReadMaps(pid)
	if err != nil {
		return nil, err
	}
	set := vma.NewSet(vmas)
	set.PopulateInfo(func(v *vma.VMA) (string, error) {
		return procfs.ResolveMapFile(pid, v)
	})
	return set, nil
}

// CollectThreads re-lists tids without attaching to any new ones.
func (c *Controller) CollectThreads() ([]int, error) {
	return procfs.ListThreads(c.PID)
}

// CollectNeeded resolves the DT_NEEDED closure of info against the
// libraries already mapped into set, recursing through each
// dependency's own DT_NEEDED list. Libraries absent from set are
// reported by soname only — the Loader decides whether to map them.
func CollectNeeded(info *elfinfo.Info, set *vma.Set) (resolved []*vma.DLMap, missing []string) {
	seen := map[string]bool{}
	var walk func(i *elfinfo.Info)
	walk = func(i *elfinfo.Info) {
		for _, soname := range i.Needed() {
			if seen[soname] {
				continue
			}
			seen[soname] = true
			dlm := findBySoname(set, soname)
			if dlm == nil {
				missing = append(missing, soname)
				continue
			}
			resolved = append(resolved, dlm)
			if dlm.Info != nil {
				walk(dlm.Info)
			}
		}
	}
	walk(info)
	return resolved, missing
}

func findBySoname(set *vma.Set, soname string) *vma.DLMap {
	for _, d := range set.DLMaps {
		if pathBase(d.Path) == soname {
			return d
		}
	}
	return nil
}

func pathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// FindTargetDLM locates the DL-map whose Build-ID matches bid, the
// "resolve target by Build-ID" step every orchestrator operation starts
// with (spec.md §4.1).
func FindTargetDLM(set *vma.Set, bid string) *vma.DLMap {
	return set.FindByBuildID(bid)
}

// Frame is one unwound stack frame: the return address observed at it.
type Frame struct {
	ReturnAddr uint64
}

// Backtrace reads tid's current frame-pointer chain, a best-effort
// unwind sufficient for the safety-gate predicates below: it does not
// need to be a complete, symbolized unwind, only to enumerate live
// return addresses. Walks until rbp is zero, a read fails, a saved
// return address is zero, or the saved rbp does not lie above the
// current one, capped at maxFrames to bound pathological chains.
func Backtrace(readWord func(addr uint64) (uint64, error), rbp, rip uint64) ([]Frame, error) {
	const maxFrames = 256
	frames := []Frame{{ReturnAddr: rip}}
	for i := 0; i < maxFrames && rbp != 0; i++ {
		retAddr, err := readWord(rbp + 8)
		if err != nil {
			break
		}
		savedRBP, err := readWord(rbp)
		if err != nil {
			break
		}
		if retAddr == 0 {
			break
		}
		frames = append(frames, Frame{ReturnAddr: retAddr})
		if savedRBP <= rbp {
			break // chain must grow upward; otherwise we're off in the weeds
		}
		rbp = savedRBP
	}
	return frames, nil
}

// CheckBacktrace implements the two safety predicates of spec.md §4.2:
// for apply, reject if any frame's return address falls inside
// [funcStart, funcEnd) of a function being replaced; for revert,
// reject if any frame falls inside [imageStart, imageEnd) of the
// patched image being removed.
func CheckBacktrace(frames []Frame, start, end uint64) bool {
	for _, f := range frames {
		if f.ReturnAddr >= start && f.ReturnAddr < end {
			return false
		}
	}
	return true
}

// AwaitSafeBacktrace retries sampling+checking every stopped thread's
// backtrace against the [start, end) gate, releasing and re-stopping
// threads between attempts, up to cfg.BacktraceRetries times with
// cfg.BacktraceBackoff between them (spec.md §4.2/§5). sample produces
// one thread's current (rbp, rip, readWord) triple.
func (c *Controller) AwaitSafeBacktrace(start, end uint64, sample func(tid int) (rbp, rip uint64, readWord func(uint64) (uint64, error), err error)) error {
	for attempt := 0; attempt < c.cfg.BacktraceRetries; attempt++ {
		allSafe := true
		for tid := range c.stopped {
			rbp, rip, readWord, err := sample(tid)
			if err != nil {
				allSafe = false
				break
			}
			frames, err := Backtrace(readWord, rbp, rip)
			if err != nil {
				allSafe = false
				break
			}
			if !CheckBacktrace(frames, start, end) {
				allSafe = false
				break
			}
		}
		if allSafe {
			return nil
		}
		nsblog.Debugf("backtrace gate busy, retry %d/%d\n", attempt+1, c.cfg.BacktraceRetries)
		if err := c.cycleThreads(); err != nil {
			return err
		}
		time.Sleep(c.cfg.BacktraceBackoff)
	}
	return fmt.Errorf("procctl: %w after %d attempts", patch.ErrBacktraceBusy, c.cfg.BacktraceRetries)
}

// cycleThreads briefly releases and re-stops every thread, giving a
// thread parked inside the forbidden range a chance to move on.
func (c *Controller) cycleThreads() error {
	for tid := range c.stopped {
		if err := unix.PtraceCont(tid, 0); err != nil {
			return fmt.Errorf("procctl: cont tid %d for retry: %w", tid, err)
		}
	}
	time.Sleep(time.Millisecond)
	for tid := range c.stopped {
		if err := unix.Kill(tid, unix.SIGSTOP); err != nil {
			return fmt.Errorf("procctl: stop tid %d for retry: %w", tid, err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
			return fmt.Errorf("procctl: wait tid %d for retry: %w", tid, err)
		}
	}
	return nil
}
