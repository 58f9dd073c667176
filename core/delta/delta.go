// Package delta encodes one byte sequence as a compact edit of another.
//
// A delta is a header line holding the target length, followed by copy
// commands ("<count>@<offset>,"), insert commands ("<count>:<bytes>") and a
// terminating checksum ("<sum>;"). Integers are written in a 64-symbol
// alphabet. Create never fails; Apply verifies bounds, length and checksum.
package delta

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a delta cannot be applied to a source.
var ErrMalformed = errors.New("malformed delta")

const nhash = 16

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz~"

var digitValue = func() [256]int {
	var table [256]int
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(digits); i++ {
		table[digits[i]] = i
	}
	return table
}()

// Create returns a delta that turns src into target.
func Create(src, target []byte) []byte {
	var out bytes.Buffer
	putInt(&out, len(target))
	out.WriteByte('\n')

	if len(src) < nhash || len(target) < nhash {
		emitInsert(&out, target)
		emitChecksum(&out, target)
		return out.Bytes()
	}

	index := indexSource(src)
	base := 0
	i := 0
	var h rollingHash
	h.init(target[:nhash])

	for {
		m := bestMatch(index[h.sum()], src, target, i, base)
		if m.count > 0 {
			if m.literal > 0 {
				emitInsert(&out, target[base:base+m.literal])
			}
			emitCopy(&out, m.count, m.offset)
			base += m.literal + m.count
			i = base
			if i+nhash > len(target) {
				break
			}
			h.init(target[i : i+nhash])
			continue
		}
		if i+nhash >= len(target) {
			break
		}
		h.next(target[i+nhash])
		i++
	}

	if base < len(target) {
		emitInsert(&out, target[base:])
	}
	emitChecksum(&out, target)
	return out.Bytes()
}

func indexSource(src []byte) map[uint32][]int {
	index := make(map[uint32][]int, len(src)/nhash)
	var h rollingHash
	for i := 0; i+nhash <= len(src); i += nhash {
		h.init(src[i : i+nhash])
		key := h.sum()
		index[key] = append(index[key], i)
	}
	return index
}

type match struct {
	count   int
	offset  int
	literal int
}

// bestMatch extends every candidate block both ways and keeps the longest one
// that is cheaper to encode as a copy than as literal bytes.
func bestMatch(candidates []int, src, target []byte, i, base int) match {
	var best match
	for _, blk := range candidates {
		fwd := 0
		for blk+fwd < len(src) && i+fwd < len(target) && src[blk+fwd] == target[i+fwd] {
			fwd++
		}
		if fwd < nhash {
			continue
		}
		back := 0
		for back < blk && i-back > base && src[blk-back-1] == target[i-back-1] {
			back++
		}
		cnt := fwd + back
		ofst := blk - back
		if cnt <= intLen(cnt)+intLen(ofst)+3 {
			continue
		}
		if cnt > best.count {
			best = match{count: cnt, offset: ofst, literal: i - back - base}
		}
	}
	return best
}

// Apply reconstructs the target from src and a delta produced by Create.
func Apply(src, delta []byte) ([]byte, error) {
	r := &reader{data: delta}
	limit, err := r.getInt()
	if err != nil {
		return nil, err
	}
	if r.next() != '\n' {
		return nil, fmt.Errorf("%w: size not terminated by newline", ErrMalformed)
	}

	// The header is untrusted until the checksum matches.
	out := make([]byte, 0, min(limit, len(src)+len(delta)))
	for r.more() {
		cnt, err := r.getInt()
		if err != nil {
			return nil, err
		}
		switch r.next() {
		case '@':
			ofst, err := r.getInt()
			if err != nil {
				return nil, err
			}
			if r.next() != ',' {
				return nil, fmt.Errorf("%w: copy command not terminated", ErrMalformed)
			}
			if ofst+cnt > len(src) {
				return nil, fmt.Errorf("%w: copy exceeds source size", ErrMalformed)
			}
			if len(out)+cnt > limit {
				return nil, fmt.Errorf("%w: copy exceeds output size", ErrMalformed)
			}
			out = append(out, src[ofst:ofst+cnt]...)
		case ':':
			if len(out)+cnt > limit {
				return nil, fmt.Errorf("%w: insert exceeds output size", ErrMalformed)
			}
			lit, ok := r.take(cnt)
			if !ok {
				return nil, fmt.Errorf("%w: insert exceeds delta size", ErrMalformed)
			}
			out = append(out, lit...)
		case ';':
			if uint32(cnt) != checksum(out) {
				return nil, fmt.Errorf("%w: bad checksum", ErrMalformed)
			}
			if len(out) != limit {
				return nil, fmt.Errorf("%w: generated size does not match header", ErrMalformed)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("%w: unknown command", ErrMalformed)
		}
	}
	return nil, fmt.Errorf("%w: unterminated delta", ErrMalformed)
}

// OutputSize returns the target length recorded in the delta header.
func OutputSize(delta []byte) (int, error) {
	r := &reader{data: delta}
	n, err := r.getInt()
	if err != nil {
		return 0, err
	}
	if r.next() != '\n' {
		return 0, fmt.Errorf("%w: size not terminated by newline", ErrMalformed)
	}
	return n, nil
}

func emitInsert(out *bytes.Buffer, lit []byte) {
	putInt(out, len(lit))
	out.WriteByte(':')
	out.Write(lit)
}

func emitCopy(out *bytes.Buffer, cnt, ofst int) {
	putInt(out, cnt)
	out.WriteByte('@')
	putInt(out, ofst)
	out.WriteByte(',')
}

func emitChecksum(out *bytes.Buffer, target []byte) {
	putInt(out, int(checksum(target)))
	out.WriteByte(';')
}

func putInt(out *bytes.Buffer, v int) {
	if v == 0 {
		out.WriteByte('0')
		return
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0x3f]
		v >>= 6
	}
	out.Write(buf[i:])
}

func intLen(v int) int {
	n := 1
	for v >>= 6; v > 0; v >>= 6 {
		n++
	}
	return n
}

// checksum sums the data as big-endian 32-bit words; a short tail is
// left-aligned into a final word.
func checksum(data []byte) uint32 {
	var sum uint32
	n := len(data) &^ 3
	for i := 0; i < n; i += 4 {
		sum += uint32(data[i])<<24 | uint32(data[i+1])<<16 | uint32(data[i+2])<<8 | uint32(data[i+3])
	}
	var shift uint = 24
	for _, b := range data[n:] {
		sum += uint32(b) << shift
		shift -= 8
	}
	return sum
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) more() bool {
	return r.pos < len(r.data)
}

func (r *reader) next() byte {
	if r.pos >= len(r.data) {
		return 0
	}
	c := r.data[r.pos]
	r.pos++
	return c
}

func (r *reader) take(n int) ([]byte, bool) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, false
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, true
}

// maxIntDigits bounds an encoded integer to 60 bits, so decoded values are
// never negative and sums of two never overflow.
const maxIntDigits = 10

func (r *reader) getInt() (int, error) {
	start := r.pos
	v := 0
	for r.pos < len(r.data) {
		d := digitValue[r.data[r.pos]]
		if d < 0 {
			break
		}
		if r.pos-start == maxIntDigits {
			return 0, fmt.Errorf("%w: integer too large at offset %d", ErrMalformed, start)
		}
		v = v<<6 | d
		r.pos++
	}
	if r.pos == start {
		return 0, fmt.Errorf("%w: expected integer at offset %d", ErrMalformed, start)
	}
	return v, nil
}

// rollingHash is an Adler-style hash over a window of nhash bytes that can be
// slid forward one byte at a time.
type rollingHash struct {
	a, b uint16
	i    int
	z    [nhash]byte
}

func (h *rollingHash) init(window []byte) {
	var a, b uint16
	for i := 0; i < nhash; i++ {
		c := window[i]
		a += uint16(c)
		b += uint16(nhash-i) * uint16(c)
		h.z[i] = c
	}
	h.a, h.b, h.i = a, b, 0
}

func (h *rollingHash) next(c byte) {
	old := h.z[h.i]
	h.z[h.i] = c
	h.i = (h.i + 1) & (nhash - 1)
	h.a = h.a - uint16(old) + uint16(c)
	h.b = h.b - nhash*uint16(old) + h.a
}

func (h *rollingHash) sum() uint32 {
	return uint32(h.a) | uint32(h.b)<<16
}
