package tag

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/dag"
	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/manifest"
	"github.com/adalundhe/keel/core/schema"
)

type Config struct {
	// User is recorded on control artifacts created by Add and Cancel.
	User   string
	Logger *slog.Logger
	// Now overrides the clock for control artifacts.
	Now func() time.Time
}

type Engine struct {
	q      database.Querier
	store  *content.Store
	graph  *dag.Graph
	user   string
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(store *content.Store, graph *dag.Graph, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		q:      store.Querier(),
		store:  store,
		graph:  graph,
		user:   cfg.User,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// IDOf returns the tag id of name, creating the tag when create is set.
func (e *Engine) IDOf(ctx context.Context, name string, create bool) (int64, error) {
	var id int64
	err := e.q.QueryRowContext(ctx, `SELECT tagid FROM tag WHERE tagname = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("tag %q: %w", name, err)
	}
	if !create {
		return 0, errors.NotFound("tag", name)
	}
	res, err := e.q.ExecContext(ctx, `INSERT INTO tag(tagname) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("create tag %q: %w", name, err)
	}
	return res.LastInsertId()
}

type xref struct {
	tagtype Type
	srcid   RID
	mtime   int64
}

func (e *Engine) row(ctx context.Context, tagid int64, rid RID) (*xref, error) {
	x := &xref{}
	err := e.q.QueryRowContext(ctx,
		`SELECT tagtype, srcid, mtime FROM tagxref WHERE tagid = ? AND rid = ?`, tagid, rid,
	).Scan(&x.tagtype, &x.srcid, &x.mtime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return x, nil
}

// Insert applies one tag to in.RID. A row already present with the same or
// a newer timestamp wins, and Insert reports false. A propagating tag, or a
// cancellation, is then carried to descendants.
func (e *Engine) Insert(ctx context.Context, in Insert) (bool, error) {
	tagid, err := e.IDOf(ctx, in.Name, true)
	if err != nil {
		return false, err
	}
	if in.MTime <= 0 {
		if in.MTime, err = e.graph.Time(ctx, in.RID); err != nil {
			return false, err
		}
	}
	if in.OrigID == 0 {
		in.OrigID = in.RID
	}

	existing, err := e.row(ctx, tagid, in.RID)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.mtime >= in.MTime {
		e.logger.Debug("tag superseded", "tag", in.Name, "rid", in.RID)
		return false, nil
	}

	if _, err := e.q.ExecContext(ctx, `
		REPLACE INTO tagxref(tagid, tagtype, srcid, origid, value, mtime, rid)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tagid, in.Type, in.SrcID, in.OrigID, nullIfEmpty(in.Value), in.MTime, in.RID); err != nil {
		return false, fmt.Errorf("insert tag %q on %d: %w", in.Name, in.RID, err)
	}

	if err := e.sideEffects(ctx, tagid, in.Type, in.Value, in.RID); err != nil {
		return false, err
	}

	switch in.Type {
	case Propagate, Retract:
		if _, err := e.Propagate(ctx, Propagation{
			TagID: tagid, Type: in.Type, OrigID: in.RID, Value: in.Value, MTime: in.MTime, From: in.RID,
		}); err != nil {
			return false, err
		}
	case ApplyOnce:
	}
	return true, nil
}

// sideEffects keeps the denormalized event columns and the leaf set in step
// with the reserved tags.
func (e *Engine) sideEffects(ctx context.Context, tagid int64, t Type, value string, rid RID) error {
	var stmt string
	var arg any = nullIfEmpty(value)
	if !t.Active() {
		arg = nil
	}

	switch tagid {
	case schema.TagBgColor:
		stmt = `UPDATE event SET bgcolor = ? WHERE objid = ?`
	case schema.TagComment:
		stmt = `UPDATE event SET ecomment = ? WHERE objid = ?`
	case schema.TagUser:
		stmt = `UPDATE event SET euser = ? WHERE objid = ?`
	case schema.TagDate:
		stmt = `UPDATE event SET emtime = ? WHERE objid = ?`
		arg = nil
		if t.Active() {
			when, err := time.Parse(manifest.DateFormat, value)
			if err != nil {
				return fmt.Errorf("date tag value %q: %w", value, err)
			}
			arg = when.UnixMilli()
		}
	case schema.TagPrivate:
		if t.Active() {
			return e.store.MarkPrivate(ctx, rid)
		}
		return nil
	case schema.TagBranch:
		return e.graph.LeafCheckAround(ctx, rid)
	default:
		return nil
	}
	if _, err := e.q.ExecContext(ctx, stmt, arg, rid); err != nil {
		return fmt.Errorf("update event %d: %w", rid, err)
	}
	return nil
}

// Propagation describes one propagation pass.
type Propagation struct {
	TagID  int64
	Type   Type
	OrigID RID
	Value  string
	MTime  int64
	From   RID
}

// Propagate walks the descendants of p.From breadth first along child edges
// that are primary or keep the parent's branch. Each child gets the
// propagated value (or loses its inherited copy, for a cancellation)
// unless it holds an explicit tag of its own or a newer inherited one. The
// walk continues past such children either way. Propagate returns the number
// of children visited.
func (e *Engine) Propagate(ctx context.Context, p Propagation) (int, error) {
	if p.Type == ApplyOnce {
		return 0, nil
	}

	visited := map[RID]bool{p.From: true}
	queue := []RID{p.From}
	var touched []RID

	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]

		children, err := e.qualifyingChildren(ctx, pid)
		if err != nil {
			return 0, err
		}
		for _, cid := range children {
			if visited[cid] {
				continue
			}
			visited[cid] = true
			queue = append(queue, cid)

			applied, err := e.propagateTo(ctx, p, cid)
			if err != nil {
				return 0, err
			}
			if applied {
				touched = append(touched, cid)
			}
		}
	}

	if p.TagID == schema.TagBranch {
		for _, rid := range touched {
			if err := e.graph.LeafCheckAround(ctx, rid); err != nil {
				return 0, err
			}
		}
	}
	e.logger.Debug("propagate tag", "tagid", p.TagID, "type", p.Type, "from", p.From,
		"visited", len(visited)-1, "changed", len(touched))
	return len(visited) - 1, nil
}

func (e *Engine) qualifyingChildren(ctx context.Context, pid RID) ([]RID, error) {
	edges, err := e.graph.Children(ctx, pid)
	if err != nil {
		return nil, err
	}
	branch, err := e.graph.BranchOf(ctx, pid)
	if err != nil {
		return nil, err
	}
	var out []RID
	for _, c := range edges {
		if !c.Primary {
			cb, err := e.graph.BranchOf(ctx, c.RID)
			if err != nil {
				return nil, err
			}
			if cb != branch {
				continue
			}
		}
		out = append(out, c.RID)
	}
	return out, nil
}

func (e *Engine) propagateTo(ctx context.Context, p Propagation, cid RID) (bool, error) {
	existing, err := e.row(ctx, p.TagID, cid)
	if err != nil {
		return false, err
	}
	if existing == nil && p.Type == Retract {
		return false, nil
	}
	if existing != nil && (existing.srcid != 0 || existing.mtime >= p.MTime) {
		return false, nil
	}

	if p.Type == Propagate {
		_, err = e.q.ExecContext(ctx, `
			REPLACE INTO tagxref(tagid, tagtype, srcid, origid, value, mtime, rid)
			VALUES (?, ?, 0, ?, ?, ?, ?)`,
			p.TagID, Propagate, p.OrigID, nullIfEmpty(p.Value), p.MTime, cid)
	} else {
		_, err = e.q.ExecContext(ctx, `DELETE FROM tagxref WHERE tagid = ? AND rid = ?`, p.TagID, cid)
	}
	if err != nil {
		return false, fmt.Errorf("propagate tag %d to %d: %w", p.TagID, cid, err)
	}

	if p.TagID == schema.TagBgColor {
		var color any
		if p.Type == Propagate {
			color = nullIfEmpty(p.Value)
		}
		if _, err := e.q.ExecContext(ctx, `UPDATE event SET bgcolor = ? WHERE objid = ?`, color, cid); err != nil {
			return false, err
		}
	}
	return true, nil
}

// PropagateAll pushes every tag of pid down to its descendants again. It is
// run after pid gains a child. An apply-once tag on pid cancels inherited
// copies below it.
func (e *Engine) PropagateAll(ctx context.Context, pid RID) error {
	rows, err := e.q.QueryContext(ctx,
		`SELECT tagid, tagtype, origid, coalesce(value, ''), mtime FROM tagxref WHERE rid = ?`, pid)
	if err != nil {
		return err
	}
	var passes []Propagation
	for rows.Next() {
		p := Propagation{From: pid}
		if err := rows.Scan(&p.TagID, &p.Type, &p.OrigID, &p.Value, &p.MTime); err != nil {
			rows.Close()
			return err
		}
		if p.Type == ApplyOnce {
			p.Type = Retract
		}
		passes = append(passes, p)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range passes {
		if _, err := e.Propagate(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
