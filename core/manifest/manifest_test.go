package manifest

import (
	"strings"
	"testing"
	"time"

	"github.com/adalundhe/keel/core/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uuidOf(s string) content.UUID {
	return content.ComputeUUID([]byte(s))
}

func sample() *Manifest {
	return &Manifest{
		Comment: "fix the thing\nsecond line",
		Date:    time.Date(2024, 3, 1, 12, 30, 45, 123000000, time.UTC),
		Files: []File{
			{Name: "src/main.go", UUID: uuidOf("main")},
			{Name: "bin/run me.sh", UUID: uuidOf("run"), Perm: PermExec},
			{Name: "link", UUID: uuidOf("link"), Perm: PermSymlink},
			{Name: "b.txt", UUID: uuidOf("a"), OldName: "a.txt"},
		},
		Parents:     []content.UUID{uuidOf("p1"), uuidOf("p2")},
		CherryPicks: []CherryPick{{UUID: uuidOf("q1")}, {Backout: true, UUID: uuidOf("q2")}},
		Tags: []Tag{
			{Op: '*', Name: "branch", Target: SelfTarget, Value: "feature x"},
			{Op: '*', Name: "sym-feature", Target: SelfTarget},
		},
		User: "alice",
	}
}

func TestBytesParseRoundTrip(t *testing.T) {
	m := sample()
	data := m.Bytes()

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, m.Comment, parsed.Comment)
	assert.True(t, m.Date.Equal(parsed.Date))
	assert.Equal(t, m.User, parsed.User)
	assert.Equal(t, m.Parents, parsed.Parents)
	assert.ElementsMatch(t, m.Files, parsed.Files)
	assert.ElementsMatch(t, m.CherryPicks, parsed.CherryPicks)
	assert.ElementsMatch(t, m.Tags, parsed.Tags)

	assert.Equal(t, data, parsed.Bytes(), "serialization is canonical")
}

func TestBytesLayout(t *testing.T) {
	data := string(sample().Bytes())
	lines := strings.Split(strings.TrimSuffix(data, "\n"), "\n")

	assert.Equal(t, `C fix\sthe\sthing\nsecond\sline`, lines[0])
	assert.Equal(t, "D 2024-03-01T12:30:45.123", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "F b.txt "))
	assert.True(t, strings.HasSuffix(lines[2], " w a.txt"))
	assert.True(t, strings.HasPrefix(lines[3], `F bin/run\sme.sh `))
	assert.True(t, strings.HasSuffix(lines[3], " x"))
	assert.Equal(t, "U alice", lines[len(lines)-1])
}

func TestParseRejects(t *testing.T) {
	good := uuidOf("x")
	tests := []struct {
		name string
		data string
	}{
		{"no date", "C hi\n"},
		{"unknown card", "D 2024-01-01T00:00:00.000\nZ abc\n"},
		{"out of order", "D 2024-01-01T00:00:00.000\nC late\n"},
		{"bad uuid", "D 2024-01-01T00:00:00.000\nF a.txt nothex\n"},
		{"bad perm", "D 2024-01-01T00:00:00.000\nF a.txt " + string(good) + " z\n"},
		{"bad tag op", "D 2024-01-01T00:00:00.000\nT ?foo *\n"},
		{"bad date", "D yesterday\n"},
		{"missing space", "Dx\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestIsControl(t *testing.T) {
	ctrl := &Manifest{
		Date: time.Now(),
		Tags: []Tag{{Op: '+', Name: "closed", Target: string(uuidOf("ci"))}},
		User: "bob",
	}
	assert.True(t, ctrl.IsControl())

	parsed, err := Parse(ctrl.Bytes())
	require.NoError(t, err)
	assert.True(t, parsed.IsControl())

	assert.False(t, sample().IsControl())
	assert.False(t, (&Manifest{Date: time.Now()}).IsControl())
}

func TestEscape(t *testing.T) {
	for _, s := range []string{"", "plain", "a b", "line\nbreak", `back\slash`, `\s literal`} {
		assert.Equal(t, s, Unescape(Escape(s)), s)
		assert.NotContains(t, Escape(s), " ")
	}
}

func TestHelpers(t *testing.T) {
	m := sample()
	assert.Equal(t, uuidOf("p1"), m.PrimaryParent())
	require.NotNil(t, m.File("link"))
	assert.Equal(t, PermSymlink, m.File("link").Perm)
	assert.Nil(t, m.File("missing"))
	assert.Equal(t, content.UUID(""), (&Manifest{}).PrimaryParent())
	assert.Equal(t, "exec", PermExec.String())
}
