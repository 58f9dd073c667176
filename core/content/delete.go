package content

import (
	"context"
	"fmt"
	"sort"

	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/report"
)

// dependent is an artifact that survives a deletion but deltas from an
// artifact being deleted.
type dependent struct {
	rid, src RID
}

// Delete removes rids from the store. Before any row is removed, every
// surviving artifact stored as a delta against a doomed one is undeltified,
// with one warning per such artifact.
func (s *Store) Delete(ctx context.Context, rids []RID) (int, error) {
	return s.deleteSet(ctx, rids, func(rid, src UUID) {
		report.Printf(s.reporter, "WARNING: undeltifying %s because its delta source %s is being deleted", rid, src)
	})
}

// PurgePrivate deletes every private artifact. A public artifact that
// deltas from a private one is reported and undeltified first.
func (s *Store) PurgePrivate(ctx context.Context) (int, error) {
	rids, err := s.queryRIDs(ctx, `SELECT rid FROM private ORDER BY rid`)
	if err != nil {
		return 0, fmt.Errorf("list private: %w", err)
	}
	if len(rids) == 0 {
		return 0, nil
	}
	return s.deleteSet(ctx, rids, func(rid, src UUID) {
		report.Printf(s.reporter, "WARNING: public artifact %s deltas from private %s", rid, src)
	})
}

// Shun records uuid as banned and removes its content if present.
func (s *Store) Shun(ctx context.Context, uuid UUID) error {
	if _, err := s.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO shun(uuid, mtime) VALUES (?, ?)`, uuid, nowMillis()); err != nil {
		return fmt.Errorf("shun %s: %w", uuid, err)
	}
	rid, err := s.RIDOf(ctx, uuid)
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.Delete(ctx, []RID{rid})
	return err
}

func (s *Store) deleteSet(ctx context.Context, rids []RID, warn func(rid, src UUID)) (int, error) {
	doomed := make(map[RID]bool, len(rids))
	for _, rid := range rids {
		doomed[rid] = true
	}

	violators, err := s.collectDependents(ctx, doomed)
	if err != nil {
		return 0, err
	}

	// The whole safety pass finishes before anything is removed.
	for _, v := range violators {
		ridUUID, err := s.UUIDOf(ctx, v.rid)
		if err != nil {
			return 0, err
		}
		srcUUID, err := s.UUIDOf(ctx, v.src)
		if err != nil {
			return 0, err
		}
		warn(ridUUID, srcUUID)
	}
	for _, v := range violators {
		if err := s.Undelta(ctx, v.rid); err != nil {
			return 0, fmt.Errorf("undelta %d before delete: %w", v.rid, err)
		}
	}

	deleted := 0
	for _, rid := range sortedRIDs(doomed) {
		uuid, err := s.UUIDOf(ctx, rid)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		for _, stmt := range []string{
			`DELETE FROM blob WHERE rid = ?`,
			`DELETE FROM delta WHERE rid = ?`,
			`DELETE FROM private WHERE rid = ?`,
		} {
			if _, err := s.q.ExecContext(ctx, stmt, rid); err != nil {
				return deleted, fmt.Errorf("delete %d: %w", rid, err)
			}
		}
		s.cache.Remove(uuid)
		deleted++
	}
	s.logger.Debug("deleted artifacts", "count", deleted, "undeltified", len(violators))
	return deleted, nil
}

func (s *Store) collectDependents(ctx context.Context, doomed map[RID]bool) ([]dependent, error) {
	var out []dependent
	for _, src := range sortedRIDs(doomed) {
		children, err := s.queryRIDs(ctx, `SELECT rid FROM delta WHERE srcid = ? ORDER BY rid`, src)
		if err != nil {
			return nil, fmt.Errorf("dependents of %d: %w", src, err)
		}
		for _, rid := range children {
			if !doomed[rid] {
				out = append(out, dependent{rid: rid, src: src})
			}
		}
	}
	return out, nil
}

func sortedRIDs(set map[RID]bool) []RID {
	out := make([]RID, 0, len(set))
	for rid := range set {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
