package patch

import (
	"errors"

	"github.com/nsbpatch/nsb/internal/arch"
)

// Sentinel errors the orchestrator maps to the exit codes of spec.md §6.
// This replaces the teacher's source-location-keyed CompilerError (see
// errors.go) with plain exported error values, matching how the rest of
// the pack (dynlib.go, import_resolver.go) returns fmt.Errorf-wrapped
// errors rather than a diagnostics object — this engine has no source
// positions to report.
//
// ErrDisplacementRange is arch.ErrDisplacementRange itself, not a
// look-alike: jump.BuildJump surfaces arch's sentinel directly, so
// errors.Is against patch.ErrDisplacementRange must see the same value.
var (
	ErrAlreadyApplied     = errors.New("patch already applied")        // EEXIST
	ErrNotFound           = errors.New("patch not found")              // ENOENT
	ErrBacktraceBusy      = errors.New("backtrace gate not satisfied") // EBUSY
	ErrDisplacementRange  = arch.ErrDisplacementRange                  // ERANGE
	ErrRelocationOverflow = errors.New("relocation overflow")          // EINVAL
	ErrMalformed          = errors.New("malformed patch")              // EINVAL
	ErrArchMismatch       = errors.New("patch architecture does not match target")
	ErrTargetNotFound     = errors.New("target DL-map not found for patch's target build-id")
)
