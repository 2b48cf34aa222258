// Package logmux fans in the output of monitored jobs.
package logmux

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"
)

// Streams a Line can come from.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "jobshell"
)

// maxLine bounds a single output line; longer lines are split.
const maxLine = 64 * 1024

// Line is one line of job output.
type Line struct {
	Timestamp time.Time
	Job       string
	Stream    string
	Text      string
}

// Mux fans in output lines from multiple jobs and delivers them via a bounded
// channel. When downstream consumers cannot keep up and the output buffer would
// overflow, the mux drops lines and emits a synthesized line per job to
// surface the number of discarded entries.
type Mux struct {
	out chan Line

	mu     sync.Mutex
	drops  map[string]int
	inputs sync.WaitGroup
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan Line, size),
		drops: make(map[string]int),
	}
}

// Output exposes the muxed line channel.
func (m *Mux) Output() <-chan Line {
	return m.out
}

// Add registers a new source channel. The mux consumes lines until the
// source channel is closed.
func (m *Mux) Add(source <-chan Line) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for line := range source {
			m.deliver(normalize(line))
		}
	}()
}

// AddReader splits r into lines attributed to job and stream until r hits
// EOF or fails.
func (m *Mux) AddReader(job, stream string, r io.Reader) {
	if r == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), maxLine)
		for scanner.Scan() {
			m.deliver(normalize(Line{Job: job, Stream: stream, Text: scanner.Text()}))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel. The output must keep being read until it
// is closed.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(line Line) {
	if !m.flushPending(line.Job) {
		m.recordDrop(line.Job, 1)
		return
	}
	if m.trySend(line) {
		return
	}
	m.recordDrop(line.Job, 1)
}

func (m *Mux) flushPending(job string) bool {
	for {
		count := m.takeDrops(job)
		if count == 0 {
			return true
		}
		if m.trySend(synthesizeDropLine(job, count)) {
			continue
		}
		m.recordDrop(job, count)
		return false
	}
}

func (m *Mux) takeDrops(job string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.drops[job]
	if count != 0 {
		delete(m.drops, job)
	}
	return count
}

func (m *Mux) recordDrop(job string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[job] += count
}

func (m *Mux) flushDrops() {
	for job, count := range m.collectDrops() {
		m.out <- synthesizeDropLine(job, count)
	}
}

func (m *Mux) collectDrops() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[string]int, len(m.drops))
	for job, count := range m.drops {
		if count == 0 {
			continue
		}
		dup[job] = count
	}
	m.drops = make(map[string]int)
	return dup
}

func (m *Mux) trySend(line Line) bool {
	select {
	case m.out <- line:
		return true
	default:
		return false
	}
}

func normalize(line Line) Line {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}
	if line.Stream == "" {
		line.Stream = StreamStdout
	}
	return line
}

func synthesizeDropLine(job string, count int) Line {
	return Line{
		Timestamp: time.Now(),
		Job:       job,
		Stream:    StreamSystem,
		Text:      fmt.Sprintf("dropped=%d", count),
	}
}
