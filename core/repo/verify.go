package repo

import (
	"context"
	"fmt"

	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/schema"
)

// VerifyReport summarizes a Verify run.
type VerifyReport struct {
	Artifacts int
	// Corrupt holds the artifacts that failed to reconstruct.
	Corrupt []content.RID
}

// Verify runs the database integrity check and then rebuilds every artifact
// from storage against its digest. A corrupt artifact does not stop the scan.
func (r *Repo) Verify(ctx context.Context) (*VerifyReport, error) {
	if err := r.pool.IntegrityCheck(); err != nil {
		return nil, errors.Corrupt(0, "%v", err)
	}
	pending, err := schema.Pending(r.pool)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return nil, errors.Precondition("verify", "%d schema migrations not applied", len(pending))
	}

	rep := &VerifyReport{}
	err = r.View(ctx, func(tx *Tx) error {
		rids, err := tx.Content.All(ctx)
		if err != nil {
			return err
		}
		for _, rid := range rids {
			rep.Artifacts++
			err := tx.Content.Verify(ctx, rid)
			switch {
			case errors.Is(err, errors.ErrCorrupt):
				r.logger.Warn("corrupt artifact", "rid", rid, "error", err)
				rep.Corrupt = append(rep.Corrupt, rid)
			case err != nil:
				return fmt.Errorf("verify %d: %w", rid, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}
