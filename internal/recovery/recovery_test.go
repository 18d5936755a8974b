package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "dispatch")
		panic("receiver exploded")
	}()

	wg.Wait()

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Errorf("expected 'panic recovered' in output, got: %s", output)
	}
	if !strings.Contains(output, "callback=dispatch") {
		t.Errorf("expected callback name in output, got: %s", output)
	}
	if !strings.Contains(output, "receiver exploded") {
		t.Errorf("expected panic message in output, got: %s", output)
	}
	if !strings.Contains(output, "stack=") {
		t.Errorf("expected stack trace in output, got: %s", output)
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "quiet")
	}()

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}

func TestRecoverWithCallback_CallsCallback(t *testing.T) {
	var got any

	func() {
		defer RecoverWithCallback(nil, "cb", func(r any) { got = r })
		panic(42)
	}()

	if got != 42 {
		t.Errorf("recovered = %v, want 42", got)
	}
}

func TestCall(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	if Call(logger, "ok", func() {}) {
		t.Error("Call reported panic for a clean function")
	}
	if !Call(logger, "bad", func() { panic("boom") }) {
		t.Error("Call did not report panic")
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}
