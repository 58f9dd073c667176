package tag

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/manifest"
)

// ApplyControl records the control artifact rid and applies its T cards.
// Targets not yet in the repository become phantoms.
func (e *Engine) ApplyControl(ctx context.Context, rid RID, m *manifest.Manifest) error {
	mtime := m.Date.UnixMilli()
	var summary []string

	for _, card := range m.Tags {
		t, err := TypeFromOp(card.Op)
		if err != nil {
			return err
		}
		target, err := e.store.NewPhantom(ctx, content.UUID(card.Target))
		if err != nil {
			return err
		}
		if _, err := e.Insert(ctx, Insert{
			Name: card.Name, Type: t, Value: card.Value,
			SrcID: rid, OrigID: target, MTime: mtime, RID: target,
		}); err != nil {
			return err
		}
		summary = append(summary, describeCard(card))
	}

	_, err := e.q.ExecContext(ctx, `
		REPLACE INTO event(objid, type, mtime, user, comment) VALUES (?, 'g', ?, ?, ?)`,
		rid, mtime, nullIfEmpty(m.User), strings.Join(summary, "; "))
	if err != nil {
		return fmt.Errorf("record control artifact %d: %w", rid, err)
	}
	return nil
}

func describeCard(c manifest.Tag) string {
	verb := "Add"
	switch c.Op {
	case '-':
		verb = "Cancel"
	case '*':
		verb = "Add propagating"
	}
	s := fmt.Sprintf("%s tag %s to %s", verb, c.Name, content.UUID(c.Target).Short())
	if c.Value != "" {
		s += " with value " + c.Value
	}
	return s
}

// Change is one tag operation requested through a control artifact.
type Change struct {
	Name  string
	Type  Type
	Value string
}

// Apply stores a control artifact carrying changes for target and applies
// it. It returns the control artifact's rid.
func (e *Engine) Apply(ctx context.Context, target RID, changes ...Change) (RID, error) {
	uuid, err := e.store.UUIDOf(ctx, target)
	if err != nil {
		return 0, err
	}
	m := &manifest.Manifest{Date: e.now().UTC(), User: e.user}
	for _, c := range changes {
		if c.Name == "" {
			return 0, errors.Precondition("tag", "empty tag name")
		}
		m.Tags = append(m.Tags, manifest.Tag{
			Op: c.Type.Op(), Name: c.Name, Target: string(uuid), Value: c.Value,
		})
	}

	data := m.Bytes()
	rid, err := e.store.Put(ctx, data)
	if err != nil {
		return 0, err
	}
	// Parse what was stored so applying matches a later rebuild exactly.
	parsed, err := manifest.Parse(data)
	if err != nil {
		return 0, err
	}
	if err := e.ApplyControl(ctx, rid, parsed); err != nil {
		return 0, err
	}
	return rid, nil
}

// Add applies name to target with the given type and value.
func (e *Engine) Add(ctx context.Context, name string, target RID, t Type, value string) (RID, error) {
	return e.Apply(ctx, target, Change{Name: name, Type: t, Value: value})
}

// Cancel retracts name from target. Cancelling a propagating tag removes
// the inherited copies from descendants as well.
func (e *Engine) Cancel(ctx context.Context, name string, target RID) (RID, error) {
	has, err := e.Has(ctx, target, name)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, errors.NotFound("tag", name)
	}
	return e.Apply(ctx, target, Change{Name: name, Type: Retract})
}

// Branch moves target and its descendants onto a new branch: the branch
// tag and the branch's symbolic name propagate from target, and the
// symbolic names it inherited from its old branch are cancelled.
func (e *Engine) Branch(ctx context.Context, target RID, name, color string) (RID, error) {
	if name == "" {
		return 0, errors.Precondition("branch", "empty branch name")
	}
	current, err := e.List(ctx, target)
	if err != nil {
		return 0, err
	}

	changes := []Change{
		{Name: "branch", Type: Propagate, Value: name},
		{Name: SymbolicName(name), Type: Propagate},
	}
	for _, a := range current {
		if IsSymbolic(a.Name) && a.Name != SymbolicName(name) && a.Type.Active() {
			changes = append(changes, Change{Name: a.Name, Type: Retract})
		}
	}
	if color != "" {
		changes = append(changes, Change{Name: "bgcolor", Type: Propagate, Value: color})
	}
	return e.Apply(ctx, target, changes...)
}

// List returns every tag row of rid, ordered by tag name.
func (e *Engine) List(ctx context.Context, rid RID) ([]Applied, error) {
	rows, err := e.q.QueryContext(ctx, `
		SELECT x.tagid, t.tagname, x.tagtype, coalesce(x.value, ''), x.srcid, x.origid, x.mtime
		  FROM tagxref x JOIN tag t ON t.tagid = x.tagid
		 WHERE x.rid = ?
		 ORDER BY t.tagname`, rid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.TagID, &a.Name, &a.Type, &a.Value, &a.SrcID, &a.OrigID, &a.MTime); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Value returns the value of an active tag on rid.
func (e *Engine) Value(ctx context.Context, rid RID, name string) (string, bool, error) {
	var value sql.NullString
	err := e.q.QueryRowContext(ctx, `
		SELECT x.value FROM tagxref x JOIN tag t ON t.tagid = x.tagid
		 WHERE x.rid = ? AND t.tagname = ? AND x.tagtype > 0`, rid, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value.String, true, nil
}

// Has reports whether name is active on rid.
func (e *Engine) Has(ctx context.Context, rid RID, name string) (bool, error) {
	_, ok, err := e.Value(ctx, rid, name)
	return ok, err
}
