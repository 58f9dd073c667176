package textdiff

import (
	"bytes"
	"strings"
)

// Conflict marker lines. Each is written on its own line.
const (
	MarkerBegin    = "<<<<<<< BEGIN MERGE CONFLICT: local copy shown first <<<<<<<<<<<<<<<"
	MarkerAncestor = "||||||| COMMON ANCESTOR content follows ||||||||||||||||||||||||||||"
	MarkerTheirs   = "======= MERGED IN content follows ==============================="
	MarkerEnd      = ">>>>>>> END MERGE CONFLICT >>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>"
)

var markerPrefixes = []string{"<<<<<<< ", "||||||| ", "======= ", ">>>>>>> "}

// Merger combines two descendants of a common base.
type Merger interface {
	Merge3(base, mine, theirs []byte) ([]byte, int)
}

// Merge3 merges the changes base→theirs into mine using the default differ.
func Merge3(base, mine, theirs []byte) ([]byte, int) {
	return NewMerger(nil).Merge3(base, mine, theirs)
}

type lineMerger struct {
	differ Differ
}

// NewMerger returns a line-based three-way merger. A nil differ selects Myers.
func NewMerger(differ Differ) Merger {
	if differ == nil {
		differ = NewMyersDiffer()
	}
	return &lineMerger{differ: differ}
}

// Merge3 returns the merged content and the number of conflicting regions.
// Identical edits made on both sides are taken once and do not conflict.
func (m *lineMerger) Merge3(base, mine, theirs []byte) ([]byte, int) {
	switch {
	case bytes.Equal(mine, theirs):
		return clone(mine), 0
	case bytes.Equal(mine, base):
		return clone(theirs), 0
	case bytes.Equal(theirs, base):
		return clone(mine), 0
	}

	b, a, c := SplitLines(base), SplitLines(mine), SplitLines(theirs)
	mapA := alignment(m.differ.DiffLines(b, a), len(b))
	mapC := alignment(m.differ.DiffLines(b, c), len(b))

	var out bytes.Buffer
	conflicts := 0
	i, ia, ic := 0, 0, 0

	for i < len(b) || ia < len(a) || ic < len(c) {
		if i < len(b) && mapA[i] == ia && mapC[i] == ic {
			out.WriteString(b[i])
			i, ia, ic = i+1, ia+1, ic+1
			continue
		}

		j, ja, jc := m.nextStable(mapA, mapC, i, len(a), len(c))
		baseChunk, mineChunk, theirChunk := b[i:j], a[ia:ja], c[ic:jc]

		switch {
		case equalLines(mineChunk, baseChunk):
			writeLines(&out, theirChunk)
		case equalLines(theirChunk, baseChunk), equalLines(mineChunk, theirChunk):
			writeLines(&out, mineChunk)
		default:
			writeConflict(&out, mineChunk, baseChunk, theirChunk)
			conflicts++
		}
		i, ia, ic = j, ja, jc
	}
	return out.Bytes(), conflicts
}

// nextStable finds the next base line that survives unchanged on both sides.
func (m *lineMerger) nextStable(mapA, mapC []int, from, lenA, lenC int) (int, int, int) {
	for j := from; j < len(mapA); j++ {
		if mapA[j] >= 0 && mapC[j] >= 0 {
			return j, mapA[j], mapC[j]
		}
	}
	return len(mapA), lenA, lenC
}

// alignment maps every base line to its index on the other side, or -1.
func alignment(script EditScript, n int) []int {
	pos := make([]int, n)
	for i := range pos {
		pos[i] = -1
	}
	for _, e := range script {
		if e.Type == LineContext {
			pos[e.OldIndex] = e.NewIndex
		}
	}
	return pos
}

func writeConflict(out *bytes.Buffer, mine, base, theirs []string) {
	writeMarker(out, MarkerBegin)
	writeLines(out, mine)
	writeMarker(out, MarkerAncestor)
	writeLines(out, base)
	writeMarker(out, MarkerTheirs)
	writeLines(out, theirs)
	writeMarker(out, MarkerEnd)
}

func writeMarker(out *bytes.Buffer, marker string) {
	if n := out.Len(); n > 0 && out.Bytes()[n-1] != '\n' {
		out.WriteByte('\n')
	}
	out.WriteString(marker)
	out.WriteByte('\n')
}

func writeLines(out *bytes.Buffer, lines []string) {
	for _, l := range lines {
		out.WriteString(l)
	}
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// ContainsMergeMarker reports whether any line of data starts with a
// conflict marker. Commits of such content are refused unless forced.
func ContainsMergeMarker(data []byte) bool {
	for _, line := range SplitLines(data) {
		for _, p := range markerPrefixes {
			if strings.HasPrefix(line, p) {
				return true
			}
		}
	}
	return false
}
