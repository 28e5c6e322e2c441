package nsblog

import "testing"

func TestSetVerboseTogglesLevel(t *testing.T) {
	defer SetVerbose(false)

	SetVerbose(true)
	if !enabled(LevelDebug) {
		t.Fatal("expected debug level enabled after SetVerbose(true)")
	}

	SetVerbose(false)
	if enabled(LevelDebug) {
		t.Fatal("expected debug level disabled after SetVerbose(false)")
	}
	if !enabled(LevelWarn) {
		t.Fatal("expected warn level still enabled at default verbosity")
	}
}

func TestSetLevelExplicit(t *testing.T) {
	defer SetLevel(defaultLevel)

	SetLevel(LevelError)
	if enabled(LevelWarn) {
		t.Fatal("warn should be disabled when level is set to error")
	}
	if !enabled(LevelError) {
		t.Fatal("error should remain enabled at error level")
	}
}
