// Package name turns user-supplied names into artifact ids.
package name

import "fmt"

// Kind restricts resolution to one type of event.
type Kind int

const (
	Any Kind = iota
	CheckIn
	Wiki
	Ticket
	Event
	Tag
)

var kindCodes = map[Kind]string{
	Any:     "*",
	CheckIn: "ci",
	Wiki:    "w",
	Ticket:  "t",
	Event:   "e",
	Tag:     "g",
}

var kindNames = map[Kind]string{
	Any:     "artifact",
	CheckIn: "check-in",
	Wiki:    "wiki page",
	Ticket:  "ticket",
	Event:   "technote",
	Tag:     "tag change",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindCodes[k]
	return ok
}

// EventType is the event.type code the kind selects, "*" for any and empty
// for an invalid kind.
func (k Kind) EventType() string {
	return kindCodes[k]
}

// ParseKind maps an event type code back to a Kind.
func ParseKind(code string) (Kind, error) {
	for k, c := range kindCodes {
		if c == code {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown artifact kind %q", code)
}

func (k Kind) allowsCheckIns() bool {
	return k == Any || k == CheckIn
}

// eventFilter is an SQL condition on the rid column named col.
func (k Kind) eventFilter(col string) string {
	if k == Any {
		return "1"
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM event WHERE objid = %s AND type = '%s')", col, k.EventType())
}
