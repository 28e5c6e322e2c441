// Package procfs reads the /proc introspection surfaces named in
// spec.md §6: /proc/<pid>/maps, /proc/<pid>/map_files/<range>, and
// /proc/<pid>/task/<tid>/status.
package procfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nsbpatch/nsb/internal/vma"
)

// ReadMaps parses /proc/<pid>/maps into a flat, unsorted VMA list.
// Deleted/unlinked backing files are marked via the "(deleted)" suffix
// the kernel appends to the pathname field.
func ReadMaps(pid int) ([]*vma.VMA, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("procfs: open maps for pid %d: %w", pid, err)
	}
	defer f.Close()

	var out []*vma.VMA
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		v, err := parseMapsLine(scanner.Text())
		if err != nil {
			continue // lines parseMapsLine rejects are skipped
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("procfs: scan maps for pid %d: %w", pid, err)
	}
	return out, nil
}

// parseMapsLine decodes one /proc/<pid>/maps line:
//
//	address           perms offset  dev   inode      pathname
//	00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/foo
func parseMapsLine(line string) (*vma.VMA, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, fmt.Errorf("procfs: short maps line %q", line)
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return nil, fmt.Errorf("procfs: bad address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return nil, err
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return nil, err
	}

	perms := fields[1]
	var prot vma.Protection
	if strings.Contains(perms, "r") {
		prot |= vma.ProtRead
	}
	if strings.Contains(perms, "w") {
		prot |= vma.ProtWrite
	}
	if strings.Contains(perms, "x") {
		prot |= vma.ProtExec
	}
	var flags vma.MappingFlags
	if strings.Contains(perms, "p") {
		flags |= vma.FlagPrivate
	} else if strings.Contains(perms, "s") {
		flags |= vma.FlagShared
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return nil, err
	}

	v := &vma.VMA{Start: start, End: end, Offset: offset, Prot: prot, Flags: flags}

	if len(fields) >= 6 {
		path := strings.Join(fields[5:], " ")
		if strings.HasSuffix(path, "(deleted)") {
			v.Deleted = true
			path = strings.TrimSpace(strings.TrimSuffix(path, "(deleted)"))
		}
		v.Path = path
	} else {
		v.Flags |= vma.FlagAnonymous
	}

	return v, nil
}

// ResolveMapFile recovers the backing path of a (possibly unlinked)
// mapped file via the /proc/<pid>/map_files/<start>-<end> symlink, per
// spec.md §4.2.
func ResolveMapFile(pid int, v *vma.VMA) (string, error) {
	link := fmt.Sprintf("/proc/%d/map_files/%x-%x", pid, v.Start, v.End)
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("procfs: readlink %s: %w", link, err)
	}
	return target, nil
}

// ListThreads enumerates live thread IDs via /proc/<pid>/task.
func ListThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("procfs: read task dir for pid %d: %w", pid, err)
	}
	var tids []int
	for _, e := range entries {
		tid, err := strconv.Atoi(filepath.Base(e.Name()))
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// ThreadState reads the "State:" line of /proc/<pid>/task/<tid>/status,
// returning the single-character state code (e.g. 't' for
// ptrace-stopped, 'R' running).
func ThreadState(pid, tid int) (byte, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/task/%d/status", pid, tid))
	if err != nil {
		return 0, fmt.Errorf("procfs: open status for %d/%d: %w", pid, tid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "State:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				return fields[1][0], nil
			}
		}
	}
	return 0, fmt.Errorf("procfs: no State field for %d/%d", pid, tid)
}
