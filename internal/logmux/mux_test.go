package logmux

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestMuxFansInMultipleSources(t *testing.T) {
	mux := New(4)
	src1 := make(chan Line)
	src2 := make(chan Line)

	mux.Add(src1)
	mux.Add(src2)

	go func() {
		src1 <- Line{Job: "build", Text: "compiling"}
		src1 <- Line{Job: "build", Text: "linking"}
		close(src1)
	}()

	go func() {
		src2 <- Line{Job: "tests", Text: "ok"}
		close(src2)
	}()

	go mux.Close()

	var jobs []string
	var texts []string
	for line := range mux.Output() {
		jobs = append(jobs, line.Job)
		texts = append(texts, line.Text)
		if line.Stream != StreamStdout {
			t.Fatalf("expected default stream stdout, got %q", line.Stream)
		}
	}

	if len(texts) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(texts))
	}

	counts := map[string]int{}
	for _, job := range jobs {
		counts[job]++
	}
	if counts["build"] != 2 || counts["tests"] != 1 {
		t.Fatalf("unexpected per-job counts %v", counts)
	}
	buildOrder := []string{}
	for i, job := range jobs {
		if job == "build" {
			buildOrder = append(buildOrder, texts[i])
		}
	}
	if strings.Join(buildOrder, ",") != "compiling,linking" {
		t.Fatalf("lines from one source must keep their order, got %v", buildOrder)
	}
}

func TestMuxEmitsDropMetaLines(t *testing.T) {
	mux := New(1)
	src := make(chan Line)

	mux.Add(src)

	done := make(chan struct{})
	go func() {
		src <- Line{Job: "build", Text: "line-1"}
		src <- Line{Job: "build", Text: "line-2"}
		src <- Line{Job: "build", Text: "line-3"}
		close(src)
		close(done)
	}()

	<-done
	// let the last line reach deliver before anything drains the buffer
	mux.inputs.Wait()

	go mux.Close()

	var lines []Line
	for line := range mux.Output() {
		lines = append(lines, line)
	}

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines (1 output + 1 meta), got %d", len(lines))
	}
	if lines[0].Text != "line-1" {
		t.Fatalf("expected first line to be the original output, got %q", lines[0].Text)
	}

	meta := lines[1]
	if meta.Job != "build" {
		t.Fatalf("meta line job mismatch: got %s", meta.Job)
	}
	if meta.Text != "dropped=2" {
		t.Fatalf("expected drop metadata, got %q", meta.Text)
	}
	if meta.Stream != StreamSystem {
		t.Fatalf("expected meta stream %s, got %s", StreamSystem, meta.Stream)
	}
	if time.Since(meta.Timestamp) > time.Second {
		t.Fatalf("expected recent timestamp, got %v", meta.Timestamp)
	}
}

func TestMuxAddReaderSplitsLines(t *testing.T) {
	mux := New(8)
	pr, pw := io.Pipe()
	mux.AddReader("build", StreamStderr, pr)

	go func() {
		_, _ = io.WriteString(pw, "first\nsecond\npartial")
		pw.Close()
	}()
	go mux.Close()

	var texts []string
	for line := range mux.Output() {
		if line.Job != "build" || line.Stream != StreamStderr {
			t.Fatalf("unexpected attribution %+v", line)
		}
		texts = append(texts, line.Text)
	}
	if strings.Join(texts, "|") != "first|second|partial" {
		t.Fatalf("unexpected lines %q", texts)
	}
}
