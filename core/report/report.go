// Package report carries the per-file lines that user-facing operations
// print (UPDATE, MERGE, WARNING, ...). Diagnostics go to slog instead.
package report

import (
	"fmt"
	"io"
	"sync"
)

// Reporter receives one line at a time, without the trailing newline.
type Reporter interface {
	Report(line string)
}

// Printf formats a line and sends it to r. A nil r drops the line.
func Printf(r Reporter, format string, args ...any) {
	if r == nil {
		return
	}
	r.Report(fmt.Sprintf(format, args...))
}

// Writer adapts an io.Writer. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Report(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = fmt.Fprintln(w.w, line)
}

// Discard drops every line.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(string) {}

// Collector keeps lines in memory.
type Collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *Collector) Report(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *Collector) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// Reset forgets the lines collected so far.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
}
