// Package manifest reads and writes check-in and control artifacts.
//
// An artifact is a sequence of card lines, "<letter> <args>\n", in card
// letter order. Arguments containing spaces, newlines or backslashes are
// escaped as \s, \n and \\.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/adalundhe/keel/core/content"
)

// DateFormat is the layout of the D card, always in UTC.
const DateFormat = "2006-01-02T15:04:05.000"

// SelfTarget is the T card target meaning "the check-in carrying this card".
const SelfTarget = "*"

var ErrMalformed = errors.New("malformed manifest")

type Perm int

const (
	PermRegular Perm = iota
	PermExec
	PermSymlink
)

var permNames = map[Perm]string{
	PermRegular: "regular",
	PermExec:    "exec",
	PermSymlink: "symlink",
}

func (p Perm) String() string {
	if name, ok := permNames[p]; ok {
		return name
	}
	return "unknown"
}

func (p Perm) flag() string {
	switch p {
	case PermExec:
		return "x"
	case PermSymlink:
		return "l"
	default:
		return ""
	}
}

type File struct {
	Name    string
	UUID    content.UUID
	Perm    Perm
	OldName string
}

// CherryPick is a Q card: a change merged in (or backed out) without
// becoming a parent.
type CherryPick struct {
	Backout bool
	UUID    content.UUID
}

// Tag is a T card. Op is '+' (apply once), '*' (propagate) or '-' (cancel).
type Tag struct {
	Op     byte
	Name   string
	Target string
	Value  string
}

type Manifest struct {
	Comment     string
	Date        time.Time
	Files       []File
	Parents     []content.UUID
	CherryPicks []CherryPick
	Tags        []Tag
	User        string
}

// IsControl reports whether m only carries tags aimed at other artifacts.
func (m *Manifest) IsControl() bool {
	if m.Comment != "" || len(m.Files) > 0 || len(m.Parents) > 0 || len(m.Tags) == 0 {
		return false
	}
	for _, t := range m.Tags {
		if t.Target == SelfTarget {
			return false
		}
	}
	return true
}

// File returns the entry for name, or nil.
func (m *Manifest) File(name string) *File {
	for i := range m.Files {
		if m.Files[i].Name == name {
			return &m.Files[i]
		}
	}
	return nil
}

// PrimaryParent returns the first P entry, or "".
func (m *Manifest) PrimaryParent() content.UUID {
	if len(m.Parents) == 0 {
		return ""
	}
	return m.Parents[0]
}

// Bytes serializes m in canonical card order.
func (m *Manifest) Bytes() []byte {
	var buf bytes.Buffer
	if m.Comment != "" {
		fmt.Fprintf(&buf, "C %s\n", Escape(m.Comment))
	}
	fmt.Fprintf(&buf, "D %s\n", m.Date.UTC().Format(DateFormat))

	files := append([]File(nil), m.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	for _, f := range files {
		buf.WriteString("F " + Escape(f.Name) + " " + string(f.UUID))
		flag := f.Perm.flag()
		if flag != "" || f.OldName != "" {
			if flag == "" {
				flag = "w"
			}
			buf.WriteString(" " + flag)
		}
		if f.OldName != "" {
			buf.WriteString(" " + Escape(f.OldName))
		}
		buf.WriteByte('\n')
	}

	if len(m.Parents) > 0 {
		parents := make([]string, len(m.Parents))
		for i, p := range m.Parents {
			parents[i] = string(p)
		}
		fmt.Fprintf(&buf, "P %s\n", strings.Join(parents, " "))
	}

	picks := append([]CherryPick(nil), m.CherryPicks...)
	sort.Slice(picks, func(i, j int) bool { return picks[i].UUID < picks[j].UUID })
	for _, q := range picks {
		sign := "+"
		if q.Backout {
			sign = "-"
		}
		fmt.Fprintf(&buf, "Q %s%s\n", sign, q.UUID)
	}

	tags := append([]Tag(nil), m.Tags...)
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Name != tags[j].Name {
			return tags[i].Name < tags[j].Name
		}
		return tags[i].Target < tags[j].Target
	})
	for _, t := range tags {
		buf.WriteString("T " + string(t.Op) + Escape(t.Name) + " " + t.Target)
		if t.Value != "" {
			buf.WriteString(" " + Escape(t.Value))
		}
		buf.WriteByte('\n')
	}

	if m.User != "" {
		fmt.Fprintf(&buf, "U %s\n", Escape(m.User))
	}
	return buf.Bytes()
}

// Parse reads an artifact. Cards must appear in letter order.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	var last byte
	sawDate := false

	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for n, line := range lines {
		if len(line) < 2 || line[1] != ' ' {
			return nil, malformed(n, "bad card %q", line)
		}
		card, args := line[0], strings.Split(line[2:], " ")
		if card < last {
			return nil, malformed(n, "card %c out of order", card)
		}
		last = card

		var err error
		switch card {
		case 'C':
			err = expectArgs(args, 1, 1)
			if err == nil {
				m.Comment = Unescape(args[0])
			}
		case 'D':
			err = expectArgs(args, 1, 1)
			if err == nil {
				m.Date, err = time.Parse(DateFormat, args[0])
				sawDate = true
			}
		case 'F':
			err = m.parseFile(args)
		case 'P':
			for _, p := range args {
				if !content.ValidUUID(p) {
					err = fmt.Errorf("bad parent %q", p)
					break
				}
				m.Parents = append(m.Parents, content.UUID(p))
			}
		case 'Q':
			err = m.parseCherryPick(args)
		case 'T':
			err = m.parseTag(args)
		case 'U':
			err = expectArgs(args, 1, 1)
			if err == nil {
				m.User = Unescape(args[0])
			}
		default:
			err = fmt.Errorf("unknown card %c", card)
		}
		if err != nil {
			return nil, malformed(n, "%v", err)
		}
	}
	if !sawDate {
		return nil, fmt.Errorf("%w: missing D card", ErrMalformed)
	}
	return m, nil
}

func (m *Manifest) parseFile(args []string) error {
	if err := expectArgs(args, 2, 4); err != nil {
		return err
	}
	if !content.ValidUUID(args[1]) {
		return fmt.Errorf("bad file uuid %q", args[1])
	}
	f := File{Name: Unescape(args[0]), UUID: content.UUID(args[1])}
	if len(args) > 2 {
		switch args[2] {
		case "x":
			f.Perm = PermExec
		case "l":
			f.Perm = PermSymlink
		case "w":
		default:
			return fmt.Errorf("bad permission %q", args[2])
		}
	}
	if len(args) > 3 {
		f.OldName = Unescape(args[3])
	}
	m.Files = append(m.Files, f)
	return nil
}

func (m *Manifest) parseCherryPick(args []string) error {
	if err := expectArgs(args, 1, 1); err != nil {
		return err
	}
	a := args[0]
	if len(a) != content.UUIDLength+1 || (a[0] != '+' && a[0] != '-') || !content.ValidUUID(a[1:]) {
		return fmt.Errorf("bad Q card %q", a)
	}
	m.CherryPicks = append(m.CherryPicks, CherryPick{Backout: a[0] == '-', UUID: content.UUID(a[1:])})
	return nil
}

func (m *Manifest) parseTag(args []string) error {
	if err := expectArgs(args, 2, 3); err != nil {
		return err
	}
	name := args[0]
	if len(name) < 2 || (name[0] != '+' && name[0] != '*' && name[0] != '-') {
		return fmt.Errorf("bad tag %q", name)
	}
	target := args[1]
	if target != SelfTarget && !content.ValidUUID(target) {
		return fmt.Errorf("bad tag target %q", target)
	}
	t := Tag{Op: name[0], Name: Unescape(name[1:]), Target: target}
	if len(args) > 2 {
		t.Value = Unescape(args[2])
	}
	m.Tags = append(m.Tags, t)
	return nil
}

func expectArgs(args []string, lo, hi int) error {
	if len(args) < lo || len(args) > hi {
		return fmt.Errorf("want %d..%d arguments, got %d", lo, hi, len(args))
	}
	return nil
}

func malformed(line int, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrMalformed, line+1, fmt.Sprintf(format, args...))
}

// Escape encodes s as a single card argument.
func Escape(s string) string {
	if !strings.ContainsAny(s, " \n\\") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case ' ':
			sb.WriteString(`\s`)
		case '\n':
			sb.WriteString(`\n`)
		case '\\':
			sb.WriteString(`\\`)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// Unescape reverses Escape. Unknown escapes keep the escaped character.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 's':
			sb.WriteByte(' ')
		case 'n':
			sb.WriteByte('\n')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
