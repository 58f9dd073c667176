package textdiff

import "bytes"

// MaxLineLength is the longest line a text file may contain.
const MaxLineLength = 8191

// LooksBinary reports whether data should be treated as binary: it contains
// a NUL byte or a line longer than MaxLineLength.
func LooksBinary(data []byte) bool {
	if bytes.IndexByte(data, 0) >= 0 {
		return true
	}
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return len(data) > MaxLineLength
		}
		if i > MaxLineLength {
			return true
		}
		data = data[i+1:]
	}
	return false
}
