package name

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/dag"
	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/schema"
	"github.com/adalundhe/keel/core/tag"
)

type RID = content.RID

var hexPrefix = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)

type Config struct {
	// Local is the zone for "local:" dates. Nil means time.Local.
	Local  *time.Location
	Logger *slog.Logger
}

type Resolver struct {
	q      database.Querier
	graph  *dag.Graph
	local  *time.Location
	logger *slog.Logger
}

func NewResolver(q database.Querier, graph *dag.Graph, cfg Config) *Resolver {
	if cfg.Local == nil {
		cfg.Local = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{q: q, graph: graph, local: cfg.Local, logger: cfg.Logger}
}

// Resolve maps name to one artifact of the given kind. The forms are tried
// in order: "tip"; "current", "prev"/"previous", "next"; "date:" and bare
// dates; "local:" and "utc:" dates; "tag:NAME"; "NAME:DATE"; "root:NAME"
// and "start:NAME"; a hash prefix of 4 to 40 hex digits; a bare symbolic
// tag; a decimal rid. Hash prefixes and symbolic names that match more
// than one artifact return an *errors.AmbiguousError.
func (r *Resolver) Resolve(ctx context.Context, name string, kind Kind) (RID, error) {
	if !kind.Valid() {
		return 0, errors.Precondition("resolve", "invalid artifact kind %d", int(kind))
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.NotFound(kind.String(), name)
	}

	if name == "tip" && kind.allowsCheckIns() {
		return r.tip(ctx)
	}

	switch name {
	case "current", "prev", "previous", "next":
		if kind.allowsCheckIns() {
			return r.relative(ctx, name)
		}
	}

	if rest, ok := strings.CutPrefix(name, "date:"); ok {
		return r.byDate(ctx, rest, time.UTC, kind, name)
	}
	if rest, ok := strings.CutPrefix(name, "utc:"); ok {
		return r.byDate(ctx, rest, time.UTC, kind, name)
	}
	if rest, ok := strings.CutPrefix(name, "local:"); ok {
		return r.byDate(ctx, rest, r.local, kind, name)
	}
	if dateLike.MatchString(name) {
		if when, ok := parseDate(name, time.UTC); ok {
			return r.newestBefore(ctx, when, kind, name)
		}
	}

	if rest, ok := strings.CutPrefix(name, "tag:"); ok {
		return r.symbolic(ctx, rest, kind, 0)
	}
	if rest, ok := strings.CutPrefix(name, "root:"); ok {
		return r.branchRoot(ctx, rest, true)
	}
	if rest, ok := strings.CutPrefix(name, "start:"); ok {
		return r.branchRoot(ctx, rest, false)
	}
	if tagName, date, ok := strings.Cut(name, ":"); ok {
		if when, ok := parseDate(date, time.UTC); ok {
			return r.symbolic(ctx, tagName, kind, when.UnixMilli())
		}
	}

	if hexPrefix.MatchString(name) {
		rid, err := r.byHash(ctx, strings.ToLower(name), kind)
		if err == nil || !errors.IsNotFound(err) {
			return rid, err
		}
	}

	rid, err := r.symbolic(ctx, name, kind, 0)
	if err == nil || !errors.IsNotFound(err) {
		return rid, err
	}

	if n, convErr := strconv.ParseInt(name, 10, 64); convErr == nil && n > 0 {
		return r.byRID(ctx, RID(n), kind, name)
	}
	return 0, errors.NotFound(kind.String(), name)
}

// Must resolves name to a check-in and wraps failures with the name.
func (r *Resolver) Must(ctx context.Context, name string) (RID, error) {
	rid, err := r.Resolve(ctx, name, CheckIn)
	if err != nil {
		return 0, fmt.Errorf("resolve %q: %w", name, err)
	}
	return rid, nil
}

func (r *Resolver) tip(ctx context.Context) (RID, error) {
	var rid RID
	err := r.q.QueryRowContext(ctx,
		`SELECT objid FROM event WHERE type = 'ci' ORDER BY mtime DESC, objid DESC LIMIT 1`).Scan(&rid)
	if err == sql.ErrNoRows {
		return 0, errors.NotFound("check-in", "tip")
	}
	return rid, err
}

// CurrentCheckout returns the rid of the open checkout.
func (r *Resolver) CurrentCheckout(ctx context.Context) (RID, error) {
	var vid RID
	err := r.q.QueryRowContext(ctx, `SELECT value FROM vvar WHERE name = ?`, schema.VarCheckout).Scan(&vid)
	if err == sql.ErrNoRows {
		return 0, errors.Precondition("resolve", "no open checkout")
	}
	return vid, err
}

func (r *Resolver) relative(ctx context.Context, keyword string) (RID, error) {
	vid, err := r.CurrentCheckout(ctx)
	if err != nil {
		return 0, errors.Precondition("resolve", "%q requires an open checkout", keyword)
	}

	switch keyword {
	case "current":
		return vid, nil
	case "prev", "previous":
		pid, err := r.graph.PrimaryParent(ctx, vid)
		if err != nil {
			return 0, err
		}
		if pid == 0 {
			return 0, errors.NotFound("check-in", keyword)
		}
		return pid, nil
	default:
		var cid RID
		err := r.q.QueryRowContext(ctx, `
			SELECT p.cid FROM plink p LEFT JOIN event e ON e.objid = p.cid
			 WHERE p.pid = ? AND p.isprim = 1
			 ORDER BY coalesce(e.mtime, p.mtime) DESC, p.cid DESC LIMIT 1`, vid).Scan(&cid)
		if err == sql.ErrNoRows {
			return 0, errors.NotFound("check-in", keyword)
		}
		return cid, err
	}
}

func (r *Resolver) byDate(ctx context.Context, s string, loc *time.Location, kind Kind, name string) (RID, error) {
	when, ok := parseDate(s, loc)
	if !ok {
		return 0, errors.NotFound(kind.String(), name)
	}
	return r.newestBefore(ctx, when, kind, name)
}

func (r *Resolver) newestBefore(ctx context.Context, when time.Time, kind Kind, name string) (RID, error) {
	typeCond := "1"
	args := []any{when.UnixMilli()}
	if kind != Any {
		typeCond = "type = ?"
		args = append(args, kind.EventType())
	}
	var rid RID
	err := r.q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT objid FROM event
		 WHERE mtime <= ? AND %s
		 ORDER BY mtime DESC, objid DESC LIMIT 1`, typeCond), args...).Scan(&rid)
	if err == sql.ErrNoRows {
		return 0, errors.NotFound(kind.String(), name)
	}
	return rid, err
}

// symbolic finds the newest artifact of kind carrying an active sym-NAME
// tag, at or before before (Unix ms) when that is non-zero. Two candidates
// with the same newest time are ambiguous.
func (r *Resolver) symbolic(ctx context.Context, name string, kind Kind, before int64) (RID, error) {
	if name == "" {
		return 0, errors.NotFound("tag", name)
	}
	typeCond := "1"
	args := []any{tag.SymbolicName(name)}
	if kind != Any {
		typeCond = "e.type = ?"
		args = append(args, kind.EventType())
	}
	timeCond := "1"
	if before > 0 {
		timeCond = "e.mtime <= ?"
		args = append(args, before)
	}

	rows, err := r.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.objid, e.mtime, b.uuid
		  FROM tagxref x
		  JOIN tag t ON t.tagid = x.tagid
		  JOIN event e ON e.objid = x.rid
		  JOIN blob b ON b.rid = x.rid
		 WHERE t.tagname = ? AND x.tagtype > 0 AND %s AND %s
		 ORDER BY e.mtime DESC, e.objid DESC LIMIT 2`, typeCond, timeCond), args...)
	if err != nil {
		return 0, fmt.Errorf("symbolic name %q: %w", name, err)
	}
	type hit struct {
		rid   RID
		mtime int64
		uuid  string
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.rid, &h.mtime, &h.uuid); err != nil {
			rows.Close()
			return 0, err
		}
		hits = append(hits, h)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	switch {
	case len(hits) == 0:
		return 0, errors.NotFound("tag", name)
	case len(hits) == 2 && hits[0].mtime == hits[1].mtime:
		return 0, errors.Ambiguous(name, []string{hits[0].uuid, hits[1].uuid})
	default:
		return hits[0].rid, nil
	}
}

// branchRoot resolves name and walks back to the first check-in of its
// branch. With parent set it returns that check-in's primary parent, the
// point the branch forked from.
func (r *Resolver) branchRoot(ctx context.Context, name string, parent bool) (RID, error) {
	rid, err := r.Resolve(ctx, name, CheckIn)
	if err != nil {
		return 0, err
	}
	branch, err := r.graph.BranchOf(ctx, rid)
	if err != nil {
		return 0, err
	}
	for {
		pid, err := r.graph.PrimaryParent(ctx, rid)
		if err != nil {
			return 0, err
		}
		if pid == 0 {
			break
		}
		pb, err := r.graph.BranchOf(ctx, pid)
		if err != nil {
			return 0, err
		}
		if pb != branch {
			if parent {
				return pid, nil
			}
			break
		}
		rid = pid
	}
	return rid, nil
}

func (r *Resolver) byHash(ctx context.Context, prefix string, kind Kind) (RID, error) {
	cands, err := r.matchPrefix(ctx, prefix, kind)
	if err != nil {
		return 0, err
	}
	switch len(cands) {
	case 0:
		return 0, errors.NotFound(kind.String(), prefix)
	case 1:
		return cands[0].RID, nil
	default:
		uuids := make([]string, len(cands))
		for i, c := range cands {
			uuids[i] = string(c.UUID)
		}
		r.logger.Debug("ambiguous hash prefix", "prefix", prefix, "matches", len(cands))
		return 0, errors.Ambiguous(prefix, uuids)
	}
}

// Candidate is one artifact matching a hash prefix.
type Candidate struct {
	RID  RID
	UUID content.UUID
}

func (r *Resolver) matchPrefix(ctx context.Context, prefix string, kind Kind) ([]Candidate, error) {
	rows, err := r.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT rid, uuid FROM blob
		 WHERE uuid GLOB ? AND size >= 0 AND %s
		 ORDER BY uuid`, kind.eventFilter("blob.rid")), prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("hash prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.RID, &c.UUID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveAll lists every artifact whose id starts with prefix.
func (r *Resolver) ResolveAll(ctx context.Context, prefix string) ([]Candidate, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if !hexPrefix.MatchString(prefix) {
		return nil, errors.NotFound("artifact", prefix)
	}
	return r.matchPrefix(ctx, prefix, Any)
}

func (r *Resolver) byRID(ctx context.Context, rid RID, kind Kind, name string) (RID, error) {
	var found RID
	err := r.q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT rid FROM blob WHERE rid = ? AND %s`, kind.eventFilter("blob.rid")), rid).Scan(&found)
	if err == sql.ErrNoRows {
		return 0, errors.NotFound(kind.String(), name)
	}
	return found, err
}

// Description summarizes one artifact for display.
type Description struct {
	RID     RID
	UUID    content.UUID
	Kind    Kind
	Time    time.Time
	User    string
	Comment string
	Phantom bool
}

// Describe looks up rid's identity and, when it has one, its event.
func (r *Resolver) Describe(ctx context.Context, rid RID) (*Description, error) {
	d := &Description{RID: rid, Kind: Any}
	var size int64
	err := r.q.QueryRowContext(ctx, `SELECT uuid, size FROM blob WHERE rid = ?`, rid).Scan(&d.UUID, &size)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("artifact", rid.String())
	}
	if err != nil {
		return nil, fmt.Errorf("describe %d: %w", rid, err)
	}
	d.Phantom = size < 0

	var (
		typ           string
		mtime         int64
		user, comment sql.NullString
		euser, ecomm  sql.NullString
	)
	err = r.q.QueryRowContext(ctx, `
		SELECT type, mtime, user, comment, euser, ecomment FROM event WHERE objid = ?`, rid).
		Scan(&typ, &mtime, &user, &comment, &euser, &ecomm)
	switch {
	case err == sql.ErrNoRows:
		return d, nil
	case err != nil:
		return nil, fmt.Errorf("describe %d: %w", rid, err)
	}
	if k, err := ParseKind(typ); err == nil {
		d.Kind = k
	}
	d.Time = time.UnixMilli(mtime).UTC()
	d.User = firstValid(euser, user)
	d.Comment = firstValid(ecomm, comment)
	return d, nil
}

func firstValid(vals ...sql.NullString) string {
	for _, v := range vals {
		if v.Valid && v.String != "" {
			return v.String
		}
	}
	return ""
}
