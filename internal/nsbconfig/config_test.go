package nsbconfig

import (
	"os"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	c := Default()
	if c.RWDataSizeMax != 8192 {
		t.Errorf("RWDataSizeMax = %d, want 8192", c.RWDataSizeMax)
	}
	if c.BacktraceRetries != 10 {
		t.Errorf("BacktraceRetries = %d, want 10", c.BacktraceRetries)
	}
	if c.BacktraceBackoff != 10*time.Millisecond {
		t.Errorf("BacktraceBackoff = %v, want 10ms", c.BacktraceBackoff)
	}
	if c.ServiceLibPath != "" {
		t.Errorf("ServiceLibPath should default empty, got %q", c.ServiceLibPath)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("NSB_RW_DATA_SIZE_MAX", "16384")
	t.Setenv("NSB_BACKTRACE_RETRIES", "3")
	t.Setenv("NSB_SERVICE_LIB_PATH", "/opt/nsb/libservice.so")
	os.Unsetenv("NSB_BACKTRACE_BACKOFF_MS")
	os.Unsetenv("NSB_SCRATCH_SIZE")

	c := Load()
	if c.RWDataSizeMax != 16384 {
		t.Errorf("RWDataSizeMax = %d, want 16384", c.RWDataSizeMax)
	}
	if c.BacktraceRetries != 3 {
		t.Errorf("BacktraceRetries = %d, want 3", c.BacktraceRetries)
	}
	if c.ServiceLibPath != "/opt/nsb/libservice.so" {
		t.Errorf("ServiceLibPath = %q, want /opt/nsb/libservice.so", c.ServiceLibPath)
	}
}
