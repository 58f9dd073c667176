// Package textdiff provides the line-oriented diff and three-way merge
// primitives used by merge and stash.
package textdiff

import (
	"bytes"
)

type LineType int

const (
	LineContext LineType = iota
	LineAdd
	LineDelete
)

var lineTypeNames = map[LineType]string{
	LineContext: "context",
	LineAdd:     "add",
	LineDelete:  "delete",
}

func (t LineType) String() string {
	if name, ok := lineTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Edit is one step of an edit script. OldIndex is valid for context and
// delete steps, NewIndex for context and add steps.
type Edit struct {
	Type     LineType
	OldIndex int
	NewIndex int
}

// EditScript turns the old line sequence into the new one when applied in order.
type EditScript []Edit

// Stats counts the changed lines of the script.
func (s EditScript) Stats() (added, deleted int) {
	for _, e := range s {
		switch e.Type {
		case LineAdd:
			added++
		case LineDelete:
			deleted++
		}
	}
	return added, deleted
}

// Differ computes edit scripts between two buffers.
type Differ interface {
	Diff(a, b []byte) EditScript
	DiffLines(a, b []string) EditScript
}

type MyersDiffer struct{}

func NewMyersDiffer() *MyersDiffer {
	return &MyersDiffer{}
}

func (d *MyersDiffer) Diff(a, b []byte) EditScript {
	return d.DiffLines(SplitLines(a), SplitLines(b))
}

// DiffLines trims the common prefix and suffix and runs Myers on the rest.
func (d *MyersDiffer) DiffLines(a, b []string) EditScript {
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	script := make(EditScript, 0, len(a)+len(b))
	for i := 0; i < prefix; i++ {
		script = append(script, Edit{Type: LineContext, OldIndex: i, NewIndex: i})
	}

	middle := d.computeEditScript(a[prefix:len(a)-suffix], b[prefix:len(b)-suffix])
	for _, e := range middle {
		e.OldIndex += prefix
		e.NewIndex += prefix
		script = append(script, e)
	}

	for i := 0; i < suffix; i++ {
		script = append(script, Edit{
			Type:     LineContext,
			OldIndex: len(a) - suffix + i,
			NewIndex: len(b) - suffix + i,
		})
	}
	return script
}

// SplitLines splits data after each newline, keeping the terminators, so that
// joining the result reproduces data exactly.
func SplitLines(data []byte) []string {
	if len(data) == 0 {
		return []string{}
	}
	lines := make([]string, 0, bytes.Count(data, []byte{'\n'})+1)
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			lines = append(lines, string(data))
			break
		}
		lines = append(lines, string(data[:i+1]))
		data = data[i+1:]
	}
	return lines
}

func (d *MyersDiffer) computeEditScript(base, target []string) EditScript {
	n, m := len(base), len(target)

	if n == 0 {
		return d.allInserts(m)
	}
	if m == 0 {
		return d.allDeletes(n)
	}
	return d.myersAlgorithm(base, target)
}

func (d *MyersDiffer) allInserts(m int) EditScript {
	ops := make(EditScript, m)
	for i := range m {
		ops[i] = Edit{Type: LineAdd, NewIndex: i}
	}
	return ops
}

func (d *MyersDiffer) allDeletes(n int) EditScript {
	ops := make(EditScript, n)
	for i := range n {
		ops[i] = Edit{Type: LineDelete, OldIndex: i}
	}
	return ops
}

func (d *MyersDiffer) myersAlgorithm(base, target []string) EditScript {
	n, m := len(base), len(target)
	max := n + m

	v := make([]int, 2*max+2)
	offset := max
	var trace [][]int

	for depth := 0; depth <= max; depth++ {
		trace = d.captureTrace(v, trace)
		if d.processMyersDepth(base, target, v, offset, depth) {
			return d.backtrack(trace, n, m, offset)
		}
	}
	return nil
}

func (d *MyersDiffer) captureTrace(v []int, trace [][]int) [][]int {
	traceCopy := make([]int, len(v))
	copy(traceCopy, v)
	return append(trace, traceCopy)
}

func (d *MyersDiffer) processMyersDepth(base, target []string, v []int, offset, depth int) bool {
	n, m := len(base), len(target)
	for k := -depth; k <= depth; k += 2 {
		x := d.startX(v, offset, k, depth)
		y := x - k
		for x < n && y < m && base[x] == target[y] {
			x++
			y++
		}
		v[offset+k] = x
		if x >= n && y >= m {
			return true
		}
	}
	return false
}

func (d *MyersDiffer) startX(v []int, offset, k, depth int) int {
	if k == -depth || (k != depth && v[offset+k-1] < v[offset+k+1]) {
		return v[offset+k+1]
	}
	return v[offset+k-1] + 1
}

func (d *MyersDiffer) backtrack(trace [][]int, n, m, offset int) EditScript {
	ops := make(EditScript, 0, n+m)
	x, y := n, m

	for depth := len(trace) - 1; depth > 0; depth-- {
		vPrev := trace[depth]
		k := x - y

		prevK := d.prevK(vPrev, offset, k, depth)
		prevX := vPrev[offset+prevK]
		prevY := prevX - prevK

		afterX, afterY := prevX, prevY+1
		if prevK < k {
			afterX, afterY = prevX+1, prevY
		}
		ops = d.addSnake(ops, x, y, afterX, afterY)

		if prevK < k {
			ops = append(ops, Edit{Type: LineDelete, OldIndex: prevX})
		} else {
			ops = append(ops, Edit{Type: LineAdd, NewIndex: prevY})
		}
		x, y = prevX, prevY
	}

	ops = d.addSnake(ops, x, y, 0, 0)
	reverse(ops)
	return ops
}

func (d *MyersDiffer) prevK(v []int, offset, k, depth int) int {
	if k == -depth {
		return k + 1
	}
	if k == depth {
		return k - 1
	}
	if v[offset+k-1] < v[offset+k+1] {
		return k + 1
	}
	return k - 1
}

func (d *MyersDiffer) addSnake(ops EditScript, x, y, stopX, stopY int) EditScript {
	for x > stopX && y > stopY {
		x--
		y--
		ops = append(ops, Edit{Type: LineContext, OldIndex: x, NewIndex: y})
	}
	return ops
}

func reverse(ops EditScript) {
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
}
