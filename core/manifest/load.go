package manifest

import (
	"context"
	"fmt"

	"github.com/adalundhe/keel/core/content"
)

// Load reads and parses the artifact stored as rid.
func Load(ctx context.Context, store *content.Store, rid content.RID) (*Manifest, error) {
	data, err := store.Get(ctx, rid)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %d: %w", rid, err)
	}
	return m, nil
}
