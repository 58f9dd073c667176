// Package tag applies tags to check-ins and propagates the propagating ones
// to descendants.
package tag

import (
	"fmt"
	"strings"

	"github.com/adalundhe/keel/core/content"
)

type RID = content.RID

// Type is how a tag applies. The numeric values are stored in
// tagxref.tagtype.
type Type int

const (
	Retract   Type = 0
	ApplyOnce Type = 1
	Propagate Type = 2
)

var typeNames = map[Type]string{
	Retract:   "cancel",
	ApplyOnce: "singleton",
	Propagate: "propagating",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Op returns the manifest T card prefix for t.
func (t Type) Op() byte {
	switch t {
	case Retract:
		return '-'
	case ApplyOnce:
		return '+'
	case Propagate:
		return '*'
	default:
		panic(fmt.Sprintf("tag: invalid type %d", int(t)))
	}
}

// Active reports whether a row of this type means the tag is present.
func (t Type) Active() bool {
	switch t {
	case ApplyOnce, Propagate:
		return true
	case Retract:
		return false
	default:
		return false
	}
}

// TypeFromOp maps a T card prefix to a Type.
func TypeFromOp(op byte) (Type, error) {
	switch op {
	case '-':
		return Retract, nil
	case '+':
		return ApplyOnce, nil
	case '*':
		return Propagate, nil
	default:
		return 0, fmt.Errorf("unknown tag op %q", op)
	}
}

// SymPrefix marks symbolic names: the tag "sym-release" makes "release"
// resolvable.
const SymPrefix = "sym-"

func SymbolicName(name string) string {
	return SymPrefix + name
}

func IsSymbolic(tagname string) bool {
	return strings.HasPrefix(tagname, SymPrefix)
}

// Insert describes one tag application.
type Insert struct {
	Name   string
	Type   Type
	Value  string
	SrcID  RID
	OrigID RID
	// MTime in Unix milliseconds. Zero uses the time of the target check-in.
	MTime int64
	RID   RID
}

// Applied is one row of a check-in's tag list.
type Applied struct {
	TagID  int64
	Name   string
	Type   Type
	Value  string
	SrcID  RID
	OrigID RID
	MTime  int64
}

// Propagated reports whether the row was inherited from an ancestor.
func (a Applied) Propagated() bool {
	return a.SrcID == 0
}
