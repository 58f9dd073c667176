package textdiff

import (
	"fmt"
	"strings"
)

const DefaultContextLines = 3

// Hunk is a contiguous region of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []HunkLine
}

type HunkLine struct {
	Type    LineType
	Content string
}

// Hunks groups the script into hunks, merging regions whose context overlaps.
func Hunks(a, b []string, script EditScript, context int) []Hunk {
	if context < 0 {
		context = DefaultContextLines
	}

	var changes []int
	for i, e := range script {
		if e.Type != LineContext {
			changes = append(changes, i)
		}
	}
	if len(changes) == 0 {
		return nil
	}

	var hunks []Hunk
	start := max(changes[0]-context, 0)
	end := min(changes[0]+context+1, len(script))
	for _, c := range changes[1:] {
		if c-context <= end {
			end = min(c+context+1, len(script))
			continue
		}
		hunks = append(hunks, buildHunk(a, b, script[start:end]))
		start = c - context
		end = min(c+context+1, len(script))
	}
	return append(hunks, buildHunk(a, b, script[start:end]))
}

func buildHunk(a, b []string, ops EditScript) Hunk {
	h := Hunk{OldStart: -1, NewStart: -1}
	for _, e := range ops {
		switch e.Type {
		case LineContext:
			h.markStart(e.OldIndex, e.NewIndex)
			h.OldCount++
			h.NewCount++
			h.Lines = append(h.Lines, HunkLine{Type: LineContext, Content: a[e.OldIndex]})
		case LineDelete:
			h.markOld(e.OldIndex)
			h.OldCount++
			h.Lines = append(h.Lines, HunkLine{Type: LineDelete, Content: a[e.OldIndex]})
		case LineAdd:
			h.markNew(e.NewIndex)
			h.NewCount++
			h.Lines = append(h.Lines, HunkLine{Type: LineAdd, Content: b[e.NewIndex]})
		}
	}
	h.fillStarts(ops)
	return h
}

func (h *Hunk) markStart(oldIdx, newIdx int) {
	h.markOld(oldIdx)
	h.markNew(newIdx)
}

func (h *Hunk) markOld(idx int) {
	if h.OldStart < 0 {
		h.OldStart = idx
	}
}

func (h *Hunk) markNew(idx int) {
	if h.NewStart < 0 {
		h.NewStart = idx
	}
}

// fillStarts derives a missing start from the other side when a hunk is a
// pure insertion or deletion without context.
func (h *Hunk) fillStarts(ops EditScript) {
	if h.OldStart < 0 {
		h.OldStart = 0
		for _, e := range ops {
			if e.Type == LineAdd {
				h.OldStart = e.NewIndex
				break
			}
		}
	}
	if h.NewStart < 0 {
		h.NewStart = h.OldStart
	}
}

// Unified renders a unified diff of a and b. It returns "" when they are equal.
func Unified(differ Differ, oldName, newName string, a, b []byte, context int) string {
	if differ == nil {
		differ = NewMyersDiffer()
	}
	la, lb := SplitLines(a), SplitLines(b)
	hunks := Hunks(la, lb, differ.DiffLines(la, lb), context)
	if len(hunks) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", oldName, newName)
	for _, h := range hunks {
		fmt.Fprintf(&sb, "@@ -%s +%s @@\n", hunkRange(h.OldStart, h.OldCount), hunkRange(h.NewStart, h.NewCount))
		for _, l := range h.Lines {
			sb.WriteByte(linePrefix(l.Type))
			sb.WriteString(l.Content)
			if !strings.HasSuffix(l.Content, "\n") {
				sb.WriteString("\n\\ No newline at end of file\n")
			}
		}
	}
	return sb.String()
}

func hunkRange(start, count int) string {
	if count == 0 {
		return fmt.Sprintf("%d,0", start)
	}
	if count == 1 {
		return fmt.Sprintf("%d", start+1)
	}
	return fmt.Sprintf("%d,%d", start+1, count)
}

func linePrefix(t LineType) byte {
	switch t {
	case LineAdd:
		return '+'
	case LineDelete:
		return '-'
	default:
		return ' '
	}
}
