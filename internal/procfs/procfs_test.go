package procfs

import (
	"os"
	"testing"
)

func TestReadMapsSelf(t *testing.T) {
	vmas, err := ReadMaps(os.Getpid())
	if err != nil {
		t.Fatalf("ReadMaps: %v", err)
	}
	if len(vmas) == 0 {
		t.Fatal("expected at least one mapping for the running process")
	}
	for _, v := range vmas {
		if v.End <= v.Start {
			t.Fatalf("mapping with non-positive size: %+v", v)
		}
	}
}

func TestParseMapsLine(t *testing.T) {
	line := "00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/foo"
	v, err := parseMapsLine(line)
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	if v.Start != 0x400000 || v.End != 0x452000 {
		t.Fatalf("unexpected range: %#x-%#x", v.Start, v.End)
	}
	if v.Path != "/usr/bin/foo" {
		t.Fatalf("path = %q, want /usr/bin/foo", v.Path)
	}
	if v.Offset != 0 {
		t.Fatalf("offset = %#x, want 0", v.Offset)
	}
}

func TestParseMapsLineDeletedFile(t *testing.T) {
	line := "7f0000000000-7f0000001000 rw-p 00000000 00:00 0          /tmp/foo (deleted)"
	v, err := parseMapsLine(line)
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	if !v.Deleted {
		t.Fatal("expected Deleted to be true")
	}
	if v.Path != "/tmp/foo" {
		t.Fatalf("path = %q, want /tmp/foo", v.Path)
	}
}

func TestParseMapsLineAnonymous(t *testing.T) {
	line := "7f0000000000-7f0000001000 rw-p 00000000 00:00 0"
	v, err := parseMapsLine(line)
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	if v.Path != "" {
		t.Fatalf("expected empty path for anonymous mapping, got %q", v.Path)
	}
}

func TestParseMapsLineShort(t *testing.T) {
	if _, err := parseMapsLine("garbage"); err == nil {
		t.Fatal("expected error for short/malformed line")
	}
}

func TestListThreadsSelf(t *testing.T) {
	tids, err := ListThreads(os.Getpid())
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	found := false
	for _, tid := range tids {
		if tid == os.Getpid() {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the main thread's tid to appear in the task list")
	}
}

func TestThreadStateSelf(t *testing.T) {
	state, err := ThreadState(os.Getpid(), os.Getpid())
	if err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	if state == 0 {
		t.Fatal("expected a non-zero state byte")
	}
}
