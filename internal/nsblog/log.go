// Package nsblog is a small leveled logger in the spirit of the
// original patcher's log.h (pr_err/pr_warn/pr_info/pr_debug) and the
// teacher's VerboseMode-gated fmt.Fprintf(os.Stderr, ...) idiom (see
// jmp.go, elf_dynamic.go). No structured logging library appears
// anywhere in the retrieval pack, so none is introduced here.
package nsblog

import (
	"fmt"
	"os"
	"sync/atomic"
)

type Level int32

const (
	LevelMsg Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

const defaultLevel = LevelWarn

var level int32 = int32(defaultLevel)

// SetLevel changes the global verbosity. Safe for concurrent use,
// though the coordinator itself is single-threaded (see spec.md §5).
func SetLevel(l Level) { atomic.StoreInt32(&level, int32(l)) }

// SetVerbose is a convenience matching the CLI's -v flag: enable debug
// output.
func SetVerbose(v bool) {
	if v {
		SetLevel(LevelDebug)
	} else {
		SetLevel(defaultLevel)
	}
}

func enabled(l Level) bool {
	return l <= Level(atomic.LoadInt32(&level))
}

func printf(l Level, prefix, format string, args ...any) {
	if !enabled(l) {
		return
	}
	fmt.Fprintf(os.Stderr, prefix+format, args...)
}

func Msg(format string, args ...any)   { printf(LevelMsg, "", format, args...) }
func Errorf(format string, args ...any) { printf(LevelError, "error: ", format, args...) }
func Warnf(format string, args ...any)  { printf(LevelWarn, "warn:  ", format, args...) }
func Infof(format string, args ...any)  { printf(LevelInfo, "", format, args...) }
func Debugf(format string, args ...any) { printf(LevelDebug, "debug: ", format, args...) }

// Perror appends the error text, mirroring the original's pr_perror
// ("%s: %s", msg, strerror(errno)).
func Perror(msg string, err error) {
	Errorf("%s: %v\n", msg, err)
}
