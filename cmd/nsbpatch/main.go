// Command nsbpatch drives the live patch engine from the shell: patch,
// unpatch, check, and list subcommands against a running target pid.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/nsbpatch/nsb/internal/nsbconfig"
	"github.com/nsbpatch/nsb/internal/nsblog"
	"github.com/nsbpatch/nsb/internal/orchestrator"
	"github.com/nsbpatch/nsb/internal/patch"
)

const versionString = "nsbpatch 0.1.0"

func usage() {
	fmt.Fprint(os.Stderr, `USAGE:
    nsbpatch patch   [-v] [-dry-run] [-no-plugin] <pid> <patch.so>
    nsbpatch unpatch [-v] [-dry-run] <pid> <patch_bid>
    nsbpatch check   [-v] <pid> <patch_bid>
    nsbpatch list    [-v] <pid>
    nsbpatch version

FLAGS:
    -v           verbose (debug) logging to stderr
    -dry-run     patch: run every stage except writing the function-entry
                 jumps; the patch image is still mapped and relocated in
                 the target. unpatch: accepted and ignored; the revert runs
                 in full
    -no-plugin   skip the inject-service stage even if NSB_SERVICE_LIB_PATH is set

EXAMPLES:
    nsbpatch patch 4213 ./hotfix.so
    nsbpatch unpatch 4213 a1b2c3d4
    nsbpatch check 4213 a1b2c3d4
    nsbpatch list 4213
`)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return int(unix.EINVAL)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "patch":
		return cmdPatch(rest)
	case "unpatch":
		return cmdUnpatch(rest)
	case "check":
		return cmdCheck(rest)
	case "list":
		return cmdList(rest)
	case "version":
		fmt.Println(versionString)
		return 0
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "nsbpatch: unknown command %q\n", cmd)
		usage()
		return int(unix.EINVAL)
	}
}

func cmdPatch(args []string) int {
	fs := flag.NewFlagSet("patch", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	dryRun := fs.Bool("dry-run", false, "plan only, no writes")
	noPlugin := fs.Bool("no-plugin", false, "skip inject-service stage")
	if err := fs.Parse(args); err != nil {
		return int(unix.EINVAL)
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "nsbpatch patch: usage: nsbpatch patch [-v] [-dry-run] [-no-plugin] <pid> <patch.so>")
		return int(unix.EINVAL)
	}
	nsblog.SetVerbose(*verbose)

	pid, err := parsePID(fs.Arg(0))
	if err != nil {
		nsblog.Errorf("%v\n", err)
		return int(unix.EINVAL)
	}

	cfg := nsbconfig.Load()
	if *noPlugin {
		cfg.ServiceLibPath = ""
	}

	err = orchestrator.Apply(pid, fs.Arg(1), cfg, *dryRun)
	return exitCode(err)
}

func cmdUnpatch(args []string) int {
	fs := flag.NewFlagSet("unpatch", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Bool("dry-run", false, "accepted for symmetry with patch and ignored; the revert runs in full")
	if err := fs.Parse(args); err != nil {
		return int(unix.EINVAL)
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "nsbpatch unpatch: usage: nsbpatch unpatch [-v] <pid> <patch_bid>")
		return int(unix.EINVAL)
	}
	nsblog.SetVerbose(*verbose)

	pid, err := parsePID(fs.Arg(0))
	if err != nil {
		nsblog.Errorf("%v\n", err)
		return int(unix.EINVAL)
	}

	cfg := nsbconfig.Load()
	err = orchestrator.Revert(pid, fs.Arg(1), cfg)
	return exitCode(err)
}

func cmdCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return int(unix.EINVAL)
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "nsbpatch check: usage: nsbpatch check [-v] <pid> <patch_bid>")
		return int(unix.EINVAL)
	}
	nsblog.SetVerbose(*verbose)

	pid, err := parsePID(fs.Arg(0))
	if err != nil {
		nsblog.Errorf("%v\n", err)
		return int(unix.EINVAL)
	}

	applied, err := orchestrator.Check(pid, fs.Arg(1))
	if err != nil {
		nsblog.Errorf("%v\n", err)
		return exitCode(err)
	}
	if !applied {
		fmt.Println("not applied")
		return int(unix.ENOENT)
	}
	fmt.Println("applied")
	return 0
}

func cmdList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return int(unix.EINVAL)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "nsbpatch list: usage: nsbpatch list [-v] <pid>")
		return int(unix.EINVAL)
	}
	nsblog.SetVerbose(*verbose)

	pid, err := parsePID(fs.Arg(0))
	if err != nil {
		nsblog.Errorf("%v\n", err)
		return int(unix.EINVAL)
	}

	patches, err := orchestrator.List(pid)
	if err != nil {
		nsblog.Errorf("%v\n", err)
		return exitCode(err)
	}
	for _, p := range patches {
		fmt.Printf("%s  target=%s  patch=%s\n", p.PatchBID, p.TargetBID, p.PatchPath)
	}
	return 0
}

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("nsbpatch: invalid pid %q", s)
	}
	return pid, nil
}

// exitCode maps an orchestrator error to the process exit code named in
// spec.md §6. Every error is reported on stderr. One that matches no
// known sentinel exits with the unix.Errno it wraps, if any, and with
// EIO otherwise, since an unrecognized failure most often originates
// from the RMA layer.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	nsblog.Errorf("%v\n", err)
	switch {
	case errors.Is(err, patch.ErrAlreadyApplied):
		return int(unix.EEXIST)
	case errors.Is(err, patch.ErrNotFound):
		return int(unix.ENOENT)
	case errors.Is(err, patch.ErrBacktraceBusy):
		return int(unix.EBUSY)
	case errors.Is(err, patch.ErrDisplacementRange):
		return int(unix.ERANGE)
	case errors.Is(err, patch.ErrRelocationOverflow), errors.Is(err, patch.ErrMalformed),
		errors.Is(err, patch.ErrArchMismatch), errors.Is(err, patch.ErrTargetNotFound):
		return int(unix.EINVAL)
	default:
		var errno unix.Errno
		if errors.As(err, &errno) {
			return int(errno)
		}
		return int(unix.EIO)
	}
}
