package match

import (
	"strings"

	"golang.org/x/text/cases"
)

// Collation decides when two paths name the same file. It is chosen per
// operation from configuration and passed to every path-keyed lookup.
type Collation struct {
	CaseSensitive bool
}

var (
	Exact       = Collation{CaseSensitive: true}
	CaseFolding = Collation{CaseSensitive: false}
)

// Key returns the canonical map key for p.
func (c Collation) Key(p string) string {
	if c.CaseSensitive {
		return p
	}
	return cases.Fold().String(p)
}

func (c Collation) Equal(a, b string) bool {
	return c.Key(a) == c.Key(b)
}

// Compare orders paths by their keys.
func (c Collation) Compare(a, b string) int {
	return strings.Compare(c.Key(a), c.Key(b))
}
