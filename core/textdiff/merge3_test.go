package textdiff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge3(t *testing.T) {
	tests := []struct {
		name      string
		base      string
		mine      string
		theirs    string
		want      string
		conflicts int
	}{
		{
			name: "only theirs changed",
			base: "a\nb\n", mine: "a\nb\n", theirs: "a\nB\n",
			want: "a\nB\n",
		},
		{
			name: "only mine changed",
			base: "a\nb\n", mine: "A\nb\n", theirs: "a\nb\n",
			want: "A\nb\n",
		},
		{
			name: "same change both sides",
			base: "a\nb\nc\n", mine: "a\nx\nc\n", theirs: "a\nx\nc\n",
			want: "a\nx\nc\n",
		},
		{
			name: "disjoint changes",
			base: "1\n2\n3\n4\n5\n", mine: "one\n2\n3\n4\n5\n", theirs: "1\n2\n3\n4\nfive\n",
			want: "one\n2\n3\n4\nfive\n",
		},
		{
			name: "identical insertion in a larger edit",
			base: "1\n2\n3\n4\n5\n", mine: "1\nnew\n2\n3\n4\nfive\n", theirs: "1\nnew\n2\n3\n4\n5\n",
			want: "1\nnew\n2\n3\n4\nfive\n",
		},
		{
			name: "both append",
			base: "base\n", mine: "base\nmine\n", theirs: "base\ntheirs\n",
			want: "base\n" + MarkerBegin + "\nmine\n" + MarkerAncestor + "\n" +
				MarkerTheirs + "\ntheirs\n" + MarkerEnd + "\n",
			conflicts: 1,
		},
		{
			name: "both edit same line",
			base: "a\nb\nc\n", mine: "a\nmine\nc\n", theirs: "a\ntheirs\nc\n",
			want: "a\n" + MarkerBegin + "\nmine\n" + MarkerAncestor + "\nb\n" +
				MarkerTheirs + "\ntheirs\n" + MarkerEnd + "\nc\n",
			conflicts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n := Merge3([]byte(tt.base), []byte(tt.mine), []byte(tt.theirs))
			assert.Equal(t, tt.want, string(got))
			assert.Equal(t, tt.conflicts, n)
		})
	}
}

func TestMerge3TwoConflicts(t *testing.T) {
	base := "1\n2\n3\n4\n5\n"
	mine := "x\n2\n3\n4\ny\n"
	theirs := "X\n2\n3\n4\nY\n"
	got, n := Merge3([]byte(base), []byte(mine), []byte(theirs))
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, strings.Count(string(got), MarkerBegin))
	assert.True(t, ContainsMergeMarker(got))
}

func TestMerge3MissingTrailingNewline(t *testing.T) {
	got, n := Merge3([]byte("a\n"), []byte("a\nmine"), []byte("a\ntheirs"))
	assert.Equal(t, 1, n)
	for _, line := range strings.Split(string(got), "\n") {
		if strings.HasPrefix(line, "mine") {
			assert.Equal(t, "mine", line)
		}
	}
	assert.Contains(t, string(got), "mine\n"+MarkerAncestor)
}

func TestContainsMergeMarker(t *testing.T) {
	assert.False(t, ContainsMergeMarker([]byte("ordinary\n<<<<<<<no space\n")))
	assert.True(t, ContainsMergeMarker([]byte("x\n>>>>>>> END MERGE CONFLICT\n")))
}
