package status

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrintDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)

	r.PrintDiagnostics(0, Value{"0", "3"})
	if buf.Len() != 0 {
		t.Fatalf("expected exit codes to be silent, got %q", buf.String())
	}

	r.PrintDiagnostics(0, Value{"sigint", "sigpipe"})
	if buf.Len() != 0 {
		t.Fatalf("expected sigint/sigpipe to be silent, got %q", buf.String())
	}

	r.PrintDiagnostics(1234, Value{"sigterm", "sigsegv+core", "sigint+core"})
	want := "1234: terminated\n1234: segmentation violation--core dumped\n1234: core dumped\n"
	if got := buf.String(); got != want {
		t.Fatalf("diagnostics = %q, want %q", got, want)
	}
}

func TestReportUsesHook(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)

	var gotPid int
	r.SetHook(func(pid int, v Value) (Value, error) {
		gotPid = pid
		return Value{"hooked"}, nil
	})
	v, err := r.Report(-77, Value{"sigkill"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if gotPid != -77 || len(v) != 1 || v[0] != "hooked" {
		t.Fatalf("unexpected hook result pid=%d v=%v", gotPid, v)
	}
	if buf.Len() != 0 {
		t.Fatalf("hook should replace diagnostics, got %q", buf.String())
	}

	sentinel := errors.New("boom")
	r.SetHook(func(int, Value) (Value, error) { return nil, sentinel })
	if _, err := r.Report(1, nil); !errors.Is(err, sentinel) {
		t.Fatalf("expected hook error, got %v", err)
	}

	r.SetHook(nil)
	if _, err := r.Report(0, Value{"sigkill"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if buf.String() != "killed\n" {
		t.Fatalf("unexpected fallback diagnostics %q", buf.String())
	}
}
