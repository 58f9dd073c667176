package repo

import (
	"context"
	"fmt"

	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/manifest"
	"github.com/adalundhe/keel/core/tag"
)

// Crosslink parses artifact rid and records what it says in the graph
// tables. It reports false for content that is not a manifest. Linking an
// artifact twice is a no-op.
func (tx *Tx) Crosslink(ctx context.Context, rid RID) (bool, error) {
	data, err := tx.Content.Get(ctx, rid)
	if err != nil {
		return false, err
	}
	m, err := manifest.Parse(data)
	if errors.Is(err, manifest.ErrMalformed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var linked int
	if err := tx.q.QueryRowContext(ctx, `SELECT count(*) FROM event WHERE objid = ?`, rid).Scan(&linked); err != nil {
		return false, err
	}
	if linked > 0 {
		return true, nil
	}

	if m.IsControl() {
		return true, tx.Tags.ApplyControl(ctx, rid, m)
	}
	return true, tx.linkCheckIn(ctx, rid, m)
}

func (tx *Tx) linkCheckIn(ctx context.Context, rid RID, m *manifest.Manifest) error {
	mtime := m.Date.UnixMilli()
	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO event(objid, type, mtime, user, comment) VALUES (?, 'ci', ?, ?, ?)`,
		rid, mtime, nullIfEmpty(m.User), nullIfEmpty(m.Comment))
	if err != nil {
		return fmt.Errorf("record check-in %d: %w", rid, err)
	}

	parents := make([]RID, 0, len(m.Parents))
	for i, puuid := range m.Parents {
		pid, err := tx.Content.NewPhantom(ctx, puuid)
		if err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO plink(pid, cid, isprim, mtime) VALUES (?, ?, ?, ?)`,
			pid, rid, i == 0, mtime); err != nil {
			return fmt.Errorf("link %d to parent %d: %w", rid, pid, err)
		}
		parents = append(parents, pid)
	}

	if err := tx.linkFiles(ctx, rid, m, parents); err != nil {
		return err
	}

	for _, pid := range parents {
		if err := tx.Tags.PropagateAll(ctx, pid); err != nil {
			return err
		}
	}
	for _, card := range m.Tags {
		if err := tx.applyInlineTag(ctx, rid, mtime, card); err != nil {
			return err
		}
	}
	tx.repo.logger.Debug("crosslinked check-in", "rid", rid, "parents", len(parents),
		"files", len(m.Files), "tags", len(m.Tags))
	return tx.Graph.LeafCheckAround(ctx, rid)
}

func (tx *Tx) applyInlineTag(ctx context.Context, rid RID, mtime int64, card manifest.Tag) error {
	t, err := tag.TypeFromOp(card.Op)
	if err != nil {
		return err
	}
	target := rid
	if card.Target != manifest.SelfTarget {
		if target, err = tx.Content.NewPhantom(ctx, content.UUID(card.Target)); err != nil {
			return err
		}
	}
	_, err = tx.Tags.Insert(ctx, tag.Insert{
		Name: card.Name, Type: t, Value: card.Value,
		SrcID: rid, OrigID: target, MTime: mtime, RID: target,
	})
	return err
}

// linkFiles writes the mlink rows of rid against its primary parent. A row
// whose previous name differs from its name records a rename; a file the
// parent had and rid lacks gets a row with fid 0.
func (tx *Tx) linkFiles(ctx context.Context, rid RID, m *manifest.Manifest, parents []RID) error {
	var parent *manifest.Manifest
	if len(parents) > 0 {
		phantom, err := tx.Content.IsPhantom(ctx, parents[0])
		if err != nil {
			return err
		}
		if !phantom {
			if parent, err = manifest.Load(ctx, tx.Content, parents[0]); err != nil {
				return err
			}
		}
	}

	seen := map[string]bool{}
	for _, f := range m.Files {
		fid, err := tx.Content.NewPhantom(ctx, f.UUID)
		if err != nil {
			return err
		}
		fnid, err := tx.filenameID(ctx, f.Name)
		if err != nil {
			return err
		}

		var pid RID
		var pfnid int64
		if parent != nil {
			prev := f.Name
			if f.OldName != "" {
				prev = f.OldName
			}
			if pf := parent.File(prev); pf != nil {
				seen[prev] = true
				if pid, err = tx.Content.NewPhantom(ctx, pf.UUID); err != nil {
					return err
				}
				if pfnid, err = tx.filenameID(ctx, prev); err != nil {
					return err
				}
			}
		}
		if pid == fid && pfnid == fnid {
			continue
		}
		if err := tx.insertMlink(ctx, rid, fid, pid, fnid, pfnid, f.Perm); err != nil {
			return err
		}
	}

	if parent == nil {
		return nil
	}
	for _, pf := range parent.Files {
		if seen[pf.Name] {
			continue
		}
		pid, err := tx.Content.NewPhantom(ctx, pf.UUID)
		if err != nil {
			return err
		}
		fnid, err := tx.filenameID(ctx, pf.Name)
		if err != nil {
			return err
		}
		if err := tx.insertMlink(ctx, rid, 0, pid, fnid, fnid, pf.Perm); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) insertMlink(ctx context.Context, mid, fid, pid RID, fnid, pfnid int64, perm manifest.Perm) error {
	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO mlink(mid, fid, pid, fnid, pfnid, mperm) VALUES (?, ?, ?, ?, ?, ?)`,
		mid, fid, pid, fnid, pfnid, perm)
	if err != nil {
		return fmt.Errorf("mlink %d: %w", mid, err)
	}
	return nil
}

func (tx *Tx) filenameID(ctx context.Context, name string) (int64, error) {
	if _, err := tx.q.ExecContext(ctx, `INSERT OR IGNORE INTO filename(name) VALUES (?)`, name); err != nil {
		return 0, err
	}
	var id int64
	err := tx.q.QueryRowContext(ctx, `SELECT fnid FROM filename WHERE name = ?`, name).Scan(&id)
	return id, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
