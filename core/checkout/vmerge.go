package checkout

import (
	"context"
	"fmt"
)

// Special vmerge ids. A positive id is a vfile row; the merge column then
// holds the content merged into that file.
const (
	MergeID      int64 = 0
	CherrypickID int64 = -1
	BackoutID    int64 = -2
	IntegrateID  int64 = -4
)

type MergeSource struct {
	ID    int64
	Merge RID
}

// SetMergeSource records merge as a source of the pending change. Repeats
// are ignored.
func (c *Checkout) SetMergeSource(ctx context.Context, id int64, merge RID) error {
	_, err := c.q.ExecContext(ctx, `INSERT OR IGNORE INTO vmerge(id, merge) VALUES (?, ?)`, id, merge)
	if err != nil {
		return fmt.Errorf("record merge source: %w", err)
	}
	return nil
}

// MergeSources lists every vmerge row, check-in level ones first.
func (c *Checkout) MergeSources(ctx context.Context) ([]MergeSource, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT id, merge FROM vmerge ORDER BY id > 0, id, merge`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MergeSource
	for rows.Next() {
		var m MergeSource
		if err := rows.Scan(&m.ID, &m.Merge); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MergeParents returns the check-ins recorded with id, for example every
// full merge (MergeID) or every cherrypick.
func (c *Checkout) MergeParents(ctx context.Context, id int64) ([]RID, error) {
	sources, err := c.MergeSources(ctx)
	if err != nil {
		return nil, err
	}
	var out []RID
	for _, s := range sources {
		if s.ID == id {
			out = append(out, s.Merge)
		}
	}
	return out, nil
}

func (c *Checkout) ClearMerge(ctx context.Context) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM vmerge`)
	return err
}
