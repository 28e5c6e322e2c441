// Package nsbconfig loads the engine's tunables from the environment
// using github.com/xyproto/env/v2 — a direct dependency of the teacher
// module (see go.mod) that the teacher tree declares but never calls.
// It is wired in here instead of being dropped (see DESIGN.md).
package nsbconfig

import (
	"time"

	env "github.com/xyproto/env/v2"
)

// Config holds every environment-tunable constant named in spec.md:
// the service read/write cap (§4.4), the backtrace-gate retry policy
// (§5, suggested N=10 with 10ms sleep), the scratch page size (§3),
// the abstract socket name prefix (§6), and the helper shared object
// the Orchestrator injects during the inject-service stage (§4.8).
type Config struct {
	RWDataSizeMax       int
	BacktraceRetries    int
	BacktraceBackoff    time.Duration
	ScratchSize         uint64
	ServiceSocketPrefix string
	ServiceLibPath      string
}

// Default mirrors the suggested policy from spec.md §5 and the
// NSB_RW_DATA_SIZE_MAX default implied by "must exceed a page".
// ServiceLibPath is empty by default: the helper's own build is out of
// scope (spec.md §1), so a real deployment points it at that build's
// output via NSB_SERVICE_LIB_PATH.
func Default() Config {
	return Config{
		RWDataSizeMax:       8192,
		BacktraceRetries:    10,
		BacktraceBackoff:    10 * time.Millisecond,
		ScratchSize:         4096,
		ServiceSocketPrefix: "NSB-SERVICE-",
	}
}

// Load overlays environment overrides on top of Default().
func Load() Config {
	c := Default()
	c.RWDataSizeMax = env.Int("NSB_RW_DATA_SIZE_MAX", c.RWDataSizeMax)
	c.BacktraceRetries = env.Int("NSB_BACKTRACE_RETRIES", c.BacktraceRetries)
	if ms := env.Int("NSB_BACKTRACE_BACKOFF_MS", -1); ms >= 0 {
		c.BacktraceBackoff = time.Duration(ms) * time.Millisecond
	}
	if sz := env.Int("NSB_SCRATCH_SIZE", -1); sz > 0 {
		c.ScratchSize = uint64(sz)
	}
	c.ServiceSocketPrefix = env.Str("NSB_SERVICE_SOCKET_PREFIX", c.ServiceSocketPrefix)
	c.ServiceLibPath = env.Str("NSB_SERVICE_LIB_PATH", c.ServiceLibPath)
	return c
}
