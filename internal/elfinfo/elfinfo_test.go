package elfinfo

import (
	"os"
	"testing"
)

// selfPath returns the path of the currently running test binary — a
// real ELF file requiring no fixture to check in.
func selfPath(t *testing.T) string {
	t.Helper()
	p, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable unavailable: %v", err)
	}
	return p
}

func TestOpenSelf(t *testing.T) {
	info, err := Open(selfPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer info.Close()

	if info.File == nil {
		t.Fatal("expected a parsed elf.File")
	}
	if len(info.Needed()) == 0 {
		t.Log("no DT_NEEDED entries found (statically linked test binary); not a failure")
	}
}

func TestSectionOutOfRange(t *testing.T) {
	info, err := Open(selfPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer info.Close()

	if _, err := info.Section(-1); err == nil {
		t.Fatal("expected error for negative section index")
	}
	if _, err := info.Section(len(info.File.Sections) + 1); err == nil {
		t.Fatal("expected error for out-of-range section index")
	}
}

func TestSymbolMissing(t *testing.T) {
	info, err := Open(selfPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer info.Close()

	if _, ok := info.Symbol("definitely_not_a_real_symbol_xyz"); ok {
		t.Fatal("expected lookup of nonexistent symbol to fail")
	}
}
