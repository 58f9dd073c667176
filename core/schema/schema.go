// Package schema defines the repository database layout as a list of
// migrations applied by database.Migrator.
package schema

import (
	"context"
	"database/sql"

	"github.com/adalundhe/keel/core/database"
)

// ReservedTags are seeded in this order, so their tag ids are stable.
var ReservedTags = []string{
	"bgcolor", "comment", "user", "date", "hidden", "private",
	"cluster", "branch", "closed", "parent", "note",
}

// Tag ids of the reserved tags.
const (
	TagBgColor int64 = iota + 1
	TagComment
	TagUser
	TagDate
	TagHidden
	TagPrivate
	TagCluster
	TagBranch
	TagClosed
	TagParent
	TagNote
)

// DefaultBranch is the branch of a check-in without a branch tag.
const DefaultBranch = "trunk"

// Keys of the vvar table.
const (
	VarCheckout     = "checkout"
	VarCheckoutUUID = "checkout-hash"
	VarUndoState    = "undo_checkout"
)

// Keys of the config table.
const (
	ConfigProjectCode = "project-code"
	ConfigProjectName = "project-name"
	ConfigUndoAvail   = "undo_available"
)

var artifactTables = []string{
	`CREATE TABLE blob (
		rid     INTEGER PRIMARY KEY,
		uuid    TEXT UNIQUE NOT NULL,
		size    INTEGER NOT NULL,
		content BLOB
	)`,
	`CREATE TABLE delta (
		rid   INTEGER PRIMARY KEY,
		srcid INTEGER NOT NULL
	)`,
	`CREATE INDEX delta_srcid ON delta(srcid)`,
	`CREATE TABLE private (rid INTEGER PRIMARY KEY)`,
	`CREATE TABLE shun (
		uuid  TEXT PRIMARY KEY,
		mtime INTEGER NOT NULL
	)`,
	`CREATE TABLE config (
		name  TEXT PRIMARY KEY,
		value ANY
	)`,
}

var graphTables = []string{
	`CREATE TABLE event (
		objid    INTEGER PRIMARY KEY,
		type     TEXT NOT NULL,
		mtime    INTEGER NOT NULL,
		user     TEXT,
		comment  TEXT,
		bgcolor  TEXT,
		euser    TEXT,
		ecomment TEXT,
		emtime   INTEGER
	)`,
	`CREATE INDEX event_mtime ON event(mtime)`,
	`CREATE TABLE plink (
		pid    INTEGER NOT NULL,
		cid    INTEGER NOT NULL,
		isprim INTEGER NOT NULL,
		mtime  INTEGER NOT NULL,
		UNIQUE(pid, cid)
	)`,
	`CREATE INDEX plink_cid ON plink(cid, pid)`,
	`CREATE TABLE filename (
		fnid INTEGER PRIMARY KEY,
		name TEXT UNIQUE NOT NULL
	)`,
	`CREATE TABLE mlink (
		mid   INTEGER NOT NULL,
		fid   INTEGER NOT NULL,
		pid   INTEGER NOT NULL,
		fnid  INTEGER NOT NULL,
		pfnid INTEGER NOT NULL,
		mperm INTEGER NOT NULL
	)`,
	`CREATE INDEX mlink_mid ON mlink(mid)`,
	`CREATE INDEX mlink_fid ON mlink(fid)`,
	`CREATE TABLE leaf (rid INTEGER PRIMARY KEY)`,
}

var tagTables = []string{
	`CREATE TABLE tag (
		tagid   INTEGER PRIMARY KEY,
		tagname TEXT UNIQUE NOT NULL
	)`,
	`CREATE TABLE tagxref (
		tagid   INTEGER NOT NULL,
		tagtype INTEGER NOT NULL,
		srcid   INTEGER NOT NULL,
		origid  INTEGER NOT NULL,
		value   TEXT,
		mtime   INTEGER NOT NULL,
		rid     INTEGER NOT NULL,
		PRIMARY KEY(rid, tagid)
	)`,
	`CREATE INDEX tagxref_tag ON tagxref(tagid, mtime)`,
}

var checkoutTables = []string{
	`CREATE TABLE vvar (
		name  TEXT PRIMARY KEY,
		value ANY
	)`,
	`CREATE TABLE vfile (
		id       INTEGER PRIMARY KEY,
		vid      INTEGER NOT NULL,
		chnged   INTEGER NOT NULL DEFAULT 0,
		deleted  INTEGER NOT NULL DEFAULT 0,
		isexe    INTEGER NOT NULL DEFAULT 0,
		islink   INTEGER NOT NULL DEFAULT 0,
		rid      INTEGER NOT NULL DEFAULT 0,
		mrid     INTEGER NOT NULL DEFAULT 0,
		mtime    INTEGER NOT NULL DEFAULT 0,
		pathname TEXT NOT NULL,
		origname TEXT,
		UNIQUE(pathname, vid)
	)`,
	`CREATE TABLE vmerge (
		id    INTEGER NOT NULL,
		merge INTEGER NOT NULL,
		UNIQUE(id, merge)
	)`,
	`CREATE TABLE stash (
		stashid INTEGER PRIMARY KEY,
		vid     INTEGER NOT NULL,
		comment TEXT,
		ctime   INTEGER NOT NULL
	)`,
	`CREATE TABLE stashfile (
		stashid   INTEGER NOT NULL,
		isadded   INTEGER NOT NULL DEFAULT 0,
		isremoved INTEGER NOT NULL DEFAULT 0,
		isexec    INTEGER NOT NULL DEFAULT 0,
		islink    INTEGER NOT NULL DEFAULT 0,
		rid       INTEGER NOT NULL DEFAULT 0,
		origname  TEXT NOT NULL,
		newname   TEXT NOT NULL,
		delta     BLOB,
		PRIMARY KEY(newname, stashid)
	)`,
	`CREATE TABLE undo (
		pathname   TEXT UNIQUE NOT NULL,
		redoflag   INTEGER NOT NULL DEFAULT 0,
		existsflag INTEGER NOT NULL DEFAULT 0,
		isexe      INTEGER NOT NULL DEFAULT 0,
		islink     INTEGER NOT NULL DEFAULT 0,
		content    BLOB
	)`,
	`CREATE TABLE undo_vfile AS SELECT * FROM vfile WHERE 0`,
	`CREATE TABLE undo_vmerge AS SELECT * FROM vmerge WHERE 0`,
}

func initialUp(ctx context.Context, tx *sql.Tx) error {
	var stmts []string
	stmts = append(stmts, artifactTables...)
	stmts = append(stmts, graphTables...)
	stmts = append(stmts, tagTables...)
	stmts = append(stmts, checkoutTables...)
	if err := database.ExecAll(ctx, tx, stmts...); err != nil {
		return err
	}
	for i, name := range ReservedTags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tag(tagid, tagname) VALUES (?, ?)`, i+1, name); err != nil {
			return err
		}
	}
	return nil
}

func initialDown(ctx context.Context, tx *sql.Tx) error {
	tables := []string{
		"undo_vmerge", "undo_vfile", "undo", "stashfile", "stash", "vmerge",
		"vfile", "vvar", "tagxref", "tag", "leaf", "mlink", "filename",
		"plink", "event", "config", "shun", "private", "delta", "blob",
	}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return err
		}
	}
	return nil
}

// Migrations returns the ordered schema migrations.
func Migrations() []database.Migration {
	return []database.Migration{
		{Version: 1, Description: "initial repository schema", Up: initialUp, Down: initialDown},
	}
}

// Apply migrates pool to the latest version.
func Apply(ctx context.Context, pool *database.Pool) error {
	return database.NewMigrator(pool, Migrations()).Migrate(ctx)
}

// Pending lists the migrations pool has not applied yet.
func Pending(pool *database.Pool) ([]database.Migration, error) {
	return database.NewMigrator(pool, Migrations()).PendingMigrations()
}
