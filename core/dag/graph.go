// Package dag walks the check-in graph recorded in the plink table.
package dag

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/schema"
)

type RID = content.RID

// Edge is one parent/child link as seen from one end. Time is the check-in
// time of the node at the far end.
type Edge struct {
	RID     RID
	Primary bool
	Time    int64
}

type Graph struct {
	q      database.Querier
	logger *slog.Logger
}

func New(q database.Querier, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{q: q, logger: logger}
}

// Children returns the child edges of rid, oldest first.
func (g *Graph) Children(ctx context.Context, rid RID) ([]Edge, error) {
	return g.edges(ctx, `
		SELECT p.cid, p.isprim, coalesce(e.mtime, p.mtime)
		  FROM plink p LEFT JOIN event e ON e.objid = p.cid
		 WHERE p.pid = ?
		 ORDER BY 3, 1`, rid)
}

// Parents returns the parent edges of rid with the primary parent first.
func (g *Graph) Parents(ctx context.Context, rid RID) ([]Edge, error) {
	return g.edges(ctx, `
		SELECT p.pid, p.isprim, coalesce(e.mtime, 0)
		  FROM plink p LEFT JOIN event e ON e.objid = p.pid
		 WHERE p.cid = ?
		 ORDER BY p.isprim DESC, 3 DESC, 1`, rid)
}

func (g *Graph) edges(ctx context.Context, query string, rid RID) ([]Edge, error) {
	rows, err := g.q.QueryContext(ctx, query, rid)
	if err != nil {
		return nil, fmt.Errorf("edges of %d: %w", rid, err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.RID, &e.Primary, &e.Time); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PrimaryParent returns the primary parent of rid, or 0 for a root.
func (g *Graph) PrimaryParent(ctx context.Context, rid RID) (RID, error) {
	var pid RID
	err := g.q.QueryRowContext(ctx,
		`SELECT pid FROM plink WHERE cid = ? AND isprim = 1`, rid).Scan(&pid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return pid, err
}

// Time returns the check-in time of rid in Unix milliseconds, 0 if unknown.
func (g *Graph) Time(ctx context.Context, rid RID) (int64, error) {
	var mtime int64
	err := g.q.QueryRowContext(ctx, `SELECT mtime FROM event WHERE objid = ?`, rid).Scan(&mtime)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return mtime, err
}

// BranchOf returns the current branch of rid.
func (g *Graph) BranchOf(ctx context.Context, rid RID) (string, error) {
	var value sql.NullString
	err := g.q.QueryRowContext(ctx,
		`SELECT value FROM tagxref WHERE rid = ? AND tagid = ? AND tagtype > 0`,
		rid, schema.TagBranch).Scan(&value)
	if err == sql.ErrNoRows || (err == nil && value.String == "") {
		return schema.DefaultBranch, nil
	}
	if err != nil {
		return "", fmt.Errorf("branch of %d: %w", rid, err)
	}
	return value.String, nil
}

// IsClosed reports whether rid carries an active closed tag.
func (g *Graph) IsClosed(ctx context.Context, rid RID) (bool, error) {
	var n int
	err := g.q.QueryRowContext(ctx,
		`SELECT count(*) FROM tagxref WHERE rid = ? AND tagid = ? AND tagtype > 0`,
		rid, schema.TagClosed).Scan(&n)
	return n > 0, err
}

// CheckIns returns every crosslinked check-in, newest first.
func (g *Graph) CheckIns(ctx context.Context) ([]RID, error) {
	return g.rids(ctx, `SELECT objid FROM event WHERE type = 'ci' ORDER BY mtime DESC, objid DESC`)
}

func (g *Graph) rids(ctx context.Context, query string, args ...any) ([]RID, error) {
	rows, err := g.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RID
	for rows.Next() {
		var rid RID
		if err := rows.Scan(&rid); err != nil {
			return nil, err
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}
