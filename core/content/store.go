// Package content is the content-addressed artifact store.
//
// Artifacts live in the blob table, zlib-compressed, either as full content
// or as a delta against another artifact named in the delta table. Get
// walks the delta chain back to full content and applies the deltas in
// reverse order, failing with a corrupt error on cycles, missing sources
// and digest mismatches rather than looping or returning wrong bytes.
package content

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/delta"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/report"
)

const (
	DefaultCacheSize     = 256
	DefaultMaxDeltaChain = 100
)

// Config configures a Store. Zero values select the defaults.
type Config struct {
	CacheSize     int
	MaxDeltaChain int
	Logger        *slog.Logger
	Reporter      report.Reporter
}

// Cache holds reconstructed content keyed by artifact id. Content is
// immutable per id, so one cache can be shared by every Store bound to the
// same repository, across transactions.
type Cache = lru.Cache[UUID, []byte]

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return lru.New[UUID, []byte](size)
}

type Store struct {
	q        database.Querier
	cache    *Cache
	maxChain int
	logger   *slog.Logger
	reporter report.Reporter
}

func NewStore(q database.Querier, cfg Config) (*Store, error) {
	cache, err := NewCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("content cache: %w", err)
	}
	return NewStoreWithCache(q, cache, cfg), nil
}

// NewStoreWithCache binds a store to q reusing an existing cache.
func NewStoreWithCache(q database.Querier, cache *Cache, cfg Config) *Store {
	if cfg.MaxDeltaChain <= 0 {
		cfg.MaxDeltaChain = DefaultMaxDeltaChain
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = report.Discard
	}
	return &Store{
		q:        q,
		cache:    cache,
		maxChain: cfg.MaxDeltaChain,
		logger:   cfg.Logger,
		reporter: cfg.Reporter,
	}
}

// Querier exposes the handle the store is bound to.
func (s *Store) Querier() database.Querier {
	return s.q
}

type blobRow struct {
	rid     RID
	uuid    UUID
	size    int64
	content []byte
}

func (r *blobRow) phantom() bool {
	return r.size < 0
}

func (s *Store) loadRow(ctx context.Context, rid RID) (*blobRow, error) {
	row := &blobRow{rid: rid}
	err := s.q.QueryRowContext(ctx,
		`SELECT uuid, size, content FROM blob WHERE rid = ?`, rid,
	).Scan(&row.uuid, &row.size, &row.content)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("artifact", rid.String())
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact %d: %w", rid, err)
	}
	return row, nil
}

// Put stores data and returns its rid. Storing content that is already
// present returns the existing rid; a phantom row for the same id is filled.
func (s *Store) Put(ctx context.Context, data []byte) (RID, error) {
	uuid := ComputeUUID(data)

	shunned, err := s.IsShunned(ctx, uuid)
	if err != nil {
		return 0, err
	}
	if shunned {
		return 0, errors.Precondition("put", "artifact %s is shunned", uuid)
	}

	var (
		rid  RID
		size int64
	)
	err = s.q.QueryRowContext(ctx, `SELECT rid, size FROM blob WHERE uuid = ?`, uuid).Scan(&rid, &size)
	switch {
	case err == nil && size >= 0:
		return rid, nil
	case err != nil && err != sql.ErrNoRows:
		return 0, fmt.Errorf("lookup %s: %w", uuid, err)
	}
	phantom := err == nil

	packed, err := Compress(data)
	if err != nil {
		return 0, fmt.Errorf("compress: %w", err)
	}

	if phantom {
		s.logger.Debug("fill phantom", "rid", rid, "uuid", uuid)
		if _, err := s.q.ExecContext(ctx,
			`UPDATE blob SET size = ?, content = ? WHERE rid = ?`, len(data), packed, rid); err != nil {
			return 0, fmt.Errorf("fill phantom %d: %w", rid, err)
		}
		return rid, nil
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO blob(uuid, size, content) VALUES (?, ?, ?)`, uuid, len(data), packed)
	if err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return RID(id), nil
}

// PutDelta stores data and then tries to store it as a delta against src.
func (s *Store) PutDelta(ctx context.Context, data []byte, src RID) (RID, error) {
	rid, err := s.Put(ctx, data)
	if err != nil {
		return 0, err
	}
	if src != 0 {
		if _, err := s.Deltify(ctx, rid, src); err != nil {
			return 0, err
		}
	}
	return rid, nil
}

// NewPhantom records uuid without content and returns its rid. An existing
// row for uuid is returned unchanged.
func (s *Store) NewPhantom(ctx context.Context, uuid UUID) (RID, error) {
	if rid, err := s.RIDOf(ctx, uuid); err == nil {
		return rid, nil
	} else if !errors.IsNotFound(err) {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, `INSERT INTO blob(uuid, size, content) VALUES (?, -1, NULL)`, uuid)
	if err != nil {
		return 0, fmt.Errorf("insert phantom: %w", err)
	}
	id, err := res.LastInsertId()
	return RID(id), err
}

// Get reconstructs the full content of rid.
func (s *Store) Get(ctx context.Context, rid RID) ([]byte, error) {
	row, err := s.loadRow(ctx, rid)
	if err != nil {
		return nil, err
	}
	if row.phantom() {
		return nil, errors.NotFound("artifact content", string(row.uuid))
	}
	if data, ok := s.cache.Get(row.uuid); ok {
		return clone(data), nil
	}

	data, err := s.reconstruct(ctx, row)
	if err != nil {
		return nil, err
	}
	s.cache.Add(row.uuid, data)
	return clone(data), nil
}

// reconstruct follows the delta chain of row without consulting the cache
// and checks the digest of the result.
func (s *Store) reconstruct(ctx context.Context, row *blobRow) ([]byte, error) {
	chain := []*blobRow{row}
	seen := map[RID]bool{row.rid: true}

	for cur := row; ; {
		src, ok, err := s.DeltaSource(ctx, cur.rid)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if seen[src] {
			return nil, errors.Corrupt(int64(row.rid), "delta cycle through %d", src)
		}
		seen[src] = true

		next, err := s.loadRow(ctx, src)
		if errors.IsNotFound(err) {
			return nil, errors.Corrupt(int64(row.rid), "missing delta source %d", src)
		}
		if err != nil {
			return nil, err
		}
		if next.phantom() {
			return nil, errors.Corrupt(int64(row.rid), "delta source %d is a phantom", src)
		}
		chain = append(chain, next)
		cur = next
	}

	base := chain[len(chain)-1]
	data, err := Decompress(base.content)
	if err != nil {
		return nil, errors.Corrupt(int64(base.rid), "%v", err)
	}
	for i := len(chain) - 2; i >= 0; i-- {
		d, err := Decompress(chain[i].content)
		if err != nil {
			return nil, errors.Corrupt(int64(chain[i].rid), "%v", err)
		}
		data, err = delta.Apply(data, d)
		if err != nil {
			return nil, errors.Corrupt(int64(chain[i].rid), "apply delta: %v", err)
		}
	}

	if got := ComputeUUID(data); got != row.uuid {
		return nil, errors.Corrupt(int64(row.rid), "content hashes to %s, want %s", got, row.uuid)
	}
	return data, nil
}

func (s *Store) GetByUUID(ctx context.Context, uuid UUID) ([]byte, error) {
	rid, err := s.RIDOf(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, rid)
}

// RIDOf returns the rid of uuid, phantoms included.
func (s *Store) RIDOf(ctx context.Context, uuid UUID) (RID, error) {
	var rid RID
	err := s.q.QueryRowContext(ctx, `SELECT rid FROM blob WHERE uuid = ?`, uuid).Scan(&rid)
	if err == sql.ErrNoRows {
		return 0, errors.NotFound("artifact", string(uuid))
	}
	if err != nil {
		return 0, fmt.Errorf("lookup %s: %w", uuid, err)
	}
	return rid, nil
}

func (s *Store) UUIDOf(ctx context.Context, rid RID) (UUID, error) {
	var uuid UUID
	err := s.q.QueryRowContext(ctx, `SELECT uuid FROM blob WHERE rid = ?`, rid).Scan(&uuid)
	if err == sql.ErrNoRows {
		return "", errors.NotFound("artifact", rid.String())
	}
	if err != nil {
		return "", fmt.Errorf("lookup %d: %w", rid, err)
	}
	return uuid, nil
}

// Exists reports whether the content of uuid is available.
func (s *Store) Exists(ctx context.Context, uuid UUID) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT count(*) FROM blob WHERE uuid = ? AND size >= 0`, uuid).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Size returns the uncompressed size of rid, or -1 for a phantom.
func (s *Store) Size(ctx context.Context, rid RID) (int64, error) {
	var size int64
	err := s.q.QueryRowContext(ctx, `SELECT size FROM blob WHERE rid = ?`, rid).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, errors.NotFound("artifact", rid.String())
	}
	return size, err
}

func (s *Store) IsPhantom(ctx context.Context, rid RID) (bool, error) {
	size, err := s.Size(ctx, rid)
	if err != nil {
		return false, err
	}
	return size < 0, nil
}

// DeltaSource returns the rid that rid is stored as a delta against.
func (s *Store) DeltaSource(ctx context.Context, rid RID) (RID, bool, error) {
	var src RID
	err := s.q.QueryRowContext(ctx, `SELECT srcid FROM delta WHERE rid = ?`, rid).Scan(&src)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("delta source of %d: %w", rid, err)
	}
	return src, true, nil
}

// ChainLength counts the deltas between rid and its full-content ancestor.
func (s *Store) ChainLength(ctx context.Context, rid RID) (int, error) {
	n := 0
	seen := map[RID]bool{rid: true}
	for cur := rid; ; n++ {
		src, ok, err := s.DeltaSource(ctx, cur)
		if err != nil || !ok {
			return n, err
		}
		if seen[src] {
			return n, errors.Corrupt(int64(rid), "delta cycle through %d", src)
		}
		seen[src] = true
		cur = src
	}
}

// Deltify stores rid as a delta against src when that saves at least a
// quarter of the space. It reports whether the artifact was rewritten.
// A public artifact is never made to depend on a private one, and a delta
// that would close a cycle or exceed the chain limit is refused.
func (s *Store) Deltify(ctx context.Context, rid, src RID) (bool, error) {
	if rid == src || rid == 0 || src == 0 {
		return false, nil
	}

	srcPrivate, err := s.IsPrivate(ctx, src)
	if err != nil {
		return false, err
	}
	ridPrivate, err := s.IsPrivate(ctx, rid)
	if err != nil {
		return false, err
	}
	if srcPrivate && !ridPrivate {
		return false, nil
	}

	if cycle, err := s.dependsOn(ctx, src, rid); err != nil || cycle {
		return false, err
	}
	depth, err := s.ChainLength(ctx, src)
	if err != nil {
		return false, err
	}
	if depth+1 > s.maxChain {
		return false, nil
	}

	target, err := s.Get(ctx, rid)
	if err != nil {
		return false, err
	}
	source, err := s.Get(ctx, src)
	if err != nil {
		return false, err
	}
	d := delta.Create(source, target)
	if len(d) >= len(target)*3/4 {
		return false, nil
	}

	packed, err := Compress(d)
	if err != nil {
		return false, err
	}
	if _, err := s.q.ExecContext(ctx, `UPDATE blob SET content = ? WHERE rid = ?`, packed, rid); err != nil {
		return false, fmt.Errorf("store delta %d: %w", rid, err)
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO delta(rid, srcid) VALUES (?, ?)`, rid, src); err != nil {
		return false, fmt.Errorf("record delta %d: %w", rid, err)
	}
	s.logger.Debug("deltify", "rid", rid, "src", src, "delta", len(d), "full", len(target))
	return true, nil
}

// dependsOn reports whether target appears in the delta chain of rid.
func (s *Store) dependsOn(ctx context.Context, rid, target RID) (bool, error) {
	seen := map[RID]bool{}
	for cur := rid; !seen[cur]; {
		seen[cur] = true
		src, ok, err := s.DeltaSource(ctx, cur)
		if err != nil || !ok {
			return false, err
		}
		if src == target {
			return true, nil
		}
		cur = src
	}
	return false, nil
}

// Undelta rewrites a delta-stored artifact as full content.
func (s *Store) Undelta(ctx context.Context, rid RID) error {
	if _, ok, err := s.DeltaSource(ctx, rid); err != nil || !ok {
		return err
	}
	data, err := s.Get(ctx, rid)
	if err != nil {
		return err
	}
	packed, err := Compress(data)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `UPDATE blob SET content = ? WHERE rid = ?`, packed, rid); err != nil {
		return fmt.Errorf("undelta %d: %w", rid, err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM delta WHERE rid = ?`, rid); err != nil {
		return fmt.Errorf("undelta %d: %w", rid, err)
	}
	return nil
}

func (s *Store) MarkPrivate(ctx context.Context, rid RID) error {
	_, err := s.q.ExecContext(ctx, `INSERT OR IGNORE INTO private(rid) VALUES (?)`, rid)
	return err
}

// MakePublic clears the private mark. Because a public artifact must not
// delta from a private one, rid is undeltified first when its source is
// still private.
func (s *Store) MakePublic(ctx context.Context, rid RID) error {
	if src, ok, err := s.DeltaSource(ctx, rid); err != nil {
		return err
	} else if ok {
		private, err := s.IsPrivate(ctx, src)
		if err != nil {
			return err
		}
		if private {
			if err := s.Undelta(ctx, rid); err != nil {
				return err
			}
		}
	}
	_, err := s.q.ExecContext(ctx, `DELETE FROM private WHERE rid = ?`, rid)
	return err
}

func (s *Store) IsPrivate(ctx context.Context, rid RID) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM private WHERE rid = ?`, rid).Scan(&n)
	return n > 0, err
}

// Verify reconstructs rid from storage, bypassing the cache, and checks its
// digest.
func (s *Store) Verify(ctx context.Context, rid RID) error {
	row, err := s.loadRow(ctx, rid)
	if err != nil {
		return err
	}
	if row.phantom() {
		return nil
	}
	_, err = s.reconstruct(ctx, row)
	return err
}

// All returns every non-phantom rid in ascending order.
func (s *Store) All(ctx context.Context) ([]RID, error) {
	return s.queryRIDs(ctx, `SELECT rid FROM blob WHERE size >= 0 ORDER BY rid`)
}

func (s *Store) queryRIDs(ctx context.Context, query string, args ...any) ([]RID, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
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

func (s *Store) IsShunned(ctx context.Context, uuid UUID) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM shun WHERE uuid = ?`, uuid).Scan(&n)
	return n > 0, err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
