// executor_test.go tests process execution, exit code capture and timeouts.
// It relies on sh being present, as on any POSIX system.
package executor

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_Success(t *testing.T) {
	result, err := New().Run(context.Background(), 5*time.Second, "sh", "-c", "echo 2.1.0")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got exit %d", result.ExitCode)
	}
	if result.Output() != "2.1.0" {
		t.Errorf("expected trimmed output 2.1.0, got %q", result.Output())
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	result, err := New().Run(context.Background(), 5*time.Second, "sh", "-c", "echo nope >&2; exit 3")
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.Succeeded() {
		t.Error("expected Succeeded to be false")
	}
	if result.Diagnostic() != "nope" {
		t.Errorf("expected stderr diagnostic, got %q", result.Diagnostic())
	}
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	result, err := New().Run(context.Background(), 100*time.Millisecond, "sh", "-c", "sleep 10")
	if err != nil {
		t.Fatalf("timeout should not be an error: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected TimedOut")
	}
	if result.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", result.ExitCode)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("process group was not killed promptly")
	}
}

func TestRun_MissingProgram(t *testing.T) {
	_, err := New().Run(context.Background(), time.Second, "/nonexistent/zfsbroker-helper")
	if err == nil {
		t.Fatal("expected error for missing program")
	}
	if !strings.Contains(err.Error(), "zfsbroker-helper") {
		t.Errorf("error should name the program, got %v", err)
	}
}

func TestResult_DiagnosticFallsBackToStdout(t *testing.T) {
	r := &Result{Stdout: " only stdout \n"}
	if r.Diagnostic() != "only stdout" {
		t.Errorf("unexpected diagnostic %q", r.Diagnostic())
	}
}

func TestRunWithInput_FeedsStdin(t *testing.T) {
	result, err := New().RunWithInput(context.Background(), 5*time.Second, []byte("secret\n"), "cat")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Output() != "secret" {
		t.Errorf("expected stdin echoed, got %q", result.Stdout)
	}
}
