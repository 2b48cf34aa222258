package cliutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/jobshell/internal/logmux"
	"github.com/Paintersrp/jobshell/internal/proc"
)

func TestEncodeRecordInfersLevel(t *testing.T) {
	tests := []struct {
		name     string
		stream   string
		text     string
		expected string
	}{
		{name: "errorToken", text: "[ERROR] failed to start", expected: "error"},
		{name: "warnToken", text: "WARN disk nearly full", expected: "warn"},
		{name: "infoToken", text: "info: build ready", expected: "info"},
		{name: "noTokenDefaults", text: "compiling", expected: "info"},
		{name: "stderrDefaultsToWarn", stream: logmux.StreamStderr, text: "compiling", expected: "warn"},
		{name: "tokenBeatsStream", stream: logmux.StreamStderr, text: "info: ok", expected: "info"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			var errBuf bytes.Buffer

			line := logmux.Line{Timestamp: time.Unix(0, 0), Job: "build", Stream: tc.stream, Text: tc.text}
			EncodeRecord(json.NewEncoder(&out), &errBuf, NewLineRecord(line))

			if errBuf.Len() != 0 {
				t.Fatalf("unexpected stderr output: %s", errBuf.String())
			}

			var record LogRecord
			if err := json.Unmarshal(out.Bytes(), &record); err != nil {
				t.Fatalf("failed to unmarshal log record: %v", err)
			}

			if record.Level != tc.expected {
				t.Fatalf("expected level %q, got %q", tc.expected, record.Level)
			}
			if record.Job != "build" {
				t.Fatalf("expected job build, got %q", record.Job)
			}
		})
	}
}

func TestNewLineRecordRedactsSecrets(t *testing.T) {
	line := logmux.Line{
		Timestamp: time.Unix(0, 0),
		Text:      `sending ${API_TOKEN} AWS_SECRET_ACCESS_KEY="super-secret"`,
	}

	record := NewLineRecord(line)

	if strings.Contains(record.Message, "${API_TOKEN}") {
		t.Fatalf("expected template placeholder to be redacted, got %q", record.Message)
	}
	if !strings.Contains(record.Message, "${[redacted]}") {
		t.Fatalf("expected template placeholder marker, got %q", record.Message)
	}
	if strings.Contains(record.Message, "super-secret") {
		t.Fatalf("expected secret value to be redacted, got %q", record.Message)
	}
	if !strings.Contains(record.Message, `AWS_SECRET_ACCESS_KEY="[redacted]"`) {
		t.Fatalf("expected known secret key redacted, got %q", record.Message)
	}
	if record.Source != logmux.StreamStdout {
		t.Fatalf("expected default source stdout, got %q", record.Source)
	}
}

func TestNewEventRecord(t *testing.T) {
	tests := []struct {
		name  string
		evt   proc.Event
		msg   string
		level string
	}{
		{
			name:  "forked",
			evt:   proc.Event{Type: proc.EventForked, Pid: 10, Pgid: 10, Args: []string{"env", "API_KEY=abc"}},
			msg:   "forked env API_KEY=[redacted]",
			level: "info",
		},
		{
			name:  "stopped",
			evt:   proc.Event{Type: proc.EventStopped, Pid: 10, Pgid: 10, Status: "sigtstp"},
			msg:   "stopped status=sigtstp",
			level: "warn",
		},
		{
			name:  "freed",
			evt:   proc.Event{Type: proc.EventFreed, Pgid: 10},
			msg:   "freed",
			level: "info",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			record := NewEventRecord("build", tc.evt)
			if record.Message != tc.msg || record.Level != tc.level {
				t.Fatalf("record = %+v, want msg %q level %q", record, tc.msg, tc.level)
			}
			if record.Source != logmux.StreamSystem || record.Pgid != 10 {
				t.Fatalf("unexpected attribution %+v", record)
			}
		})
	}
}

func TestRedactEnv(t *testing.T) {
	env := []string{"PATH=/bin", "DB_PASSWORD=hunter2", "GITHUB_TOKEN=ghp", "NOVALUE"}
	got := RedactEnv(env)
	want := []string{"PATH=/bin", "DB_PASSWORD=[redacted]", "GITHUB_TOKEN=[redacted]", "NOVALUE"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("RedactEnv() = %v, want %v", got, want)
	}
	if env[1] != "DB_PASSWORD=hunter2" {
		t.Fatalf("input must not be modified")
	}
}
