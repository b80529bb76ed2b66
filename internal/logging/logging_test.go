package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestInitSwitchesExistingLoggers(t *testing.T) {
	log := L("test-component")

	var buf bytes.Buffer
	Init("json", "debug", &buf)
	defer Init("text", "info", nil)

	log.Debug("Hello from component")

	out := buf.String()
	if !strings.Contains(out, `"component":"test-component"`) {
		t.Fatalf("component attr missing from output: %s", out)
	}
	if !strings.Contains(out, "Hello from component") {
		t.Fatalf("message missing from output: %s", out)
	}
}

func TestLimiterAllowsOncePerWindow(t *testing.T) {
	l := NewLimiter(time.Hour)

	ok, suppressed := l.Allow()
	if !ok || suppressed != 0 {
		t.Fatalf("first call: ok=%v suppressed=%d", ok, suppressed)
	}
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(); ok {
			t.Fatalf("call %d inside window was allowed", i)
		}
	}

	// Force the window to expire.
	l.mu.Lock()
	l.last = time.Now().Add(-2 * time.Hour)
	l.mu.Unlock()

	ok, suppressed = l.Allow()
	if !ok {
		t.Fatal("call after window expiry was suppressed")
	}
	if suppressed != 5 {
		t.Fatalf("expected 5 suppressed, got %d", suppressed)
	}
}
