// Package cliutil holds output helpers shared by jobshell commands.
package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/jobshell/internal/logmux"
	"github.com/Paintersrp/jobshell/internal/proc"
)

// LogRecord is one line of job output or one lifecycle event, ready for JSON
// encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Job       string    `json:"job"`
	Pid       int       `json:"pid,omitempty"`
	Pgid      int       `json:"pgid,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
}

// NewLineRecord converts a captured output line into a record. The level is
// inferred from the text; otherwise stderr lines are warnings.
func NewLineRecord(line logmux.Line) LogRecord {
	level := inferLogLevel(line.Text)
	if level == "" {
		switch line.Stream {
		case logmux.StreamStderr, logmux.StreamSystem:
			level = "warn"
		default:
			level = "info"
		}
	}
	source := line.Stream
	if source == "" {
		source = logmux.StreamStdout
	}
	return LogRecord{
		Timestamp: line.Timestamp,
		Job:       line.Job,
		Level:     level,
		Message:   RedactSecrets(line.Text),
		Source:    source,
	}
}

// NewEventRecord converts a lifecycle event of the named job into a record.
func NewEventRecord(job string, evt proc.Event) LogRecord {
	msg := string(evt.Type)
	switch {
	case evt.Type == proc.EventForked && len(evt.Args) > 0:
		msg += " " + RedactSecrets(strings.Join(evt.Args, " "))
	case evt.Status != "":
		msg += " status=" + evt.Status
	}
	level := "info"
	if evt.Type == proc.EventStopped {
		level = "warn"
	}
	return LogRecord{
		Timestamp: evt.Timestamp,
		Job:       job,
		Pid:       evt.Pid,
		Pgid:      evt.Pgid,
		Level:     level,
		Message:   msg,
		Source:    logmux.StreamSystem,
	}
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeRecord encodes a record to JSON, reporting errors to stderr if needed.
func EncodeRecord(enc *json.Encoder, stderr io.Writer, record LogRecord) {
	if enc == nil {
		return
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}
