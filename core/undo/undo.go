// Package undo keeps one level of undo and redo for operations that change
// the working tree. An operation opens a session with Begin, records every
// path before touching it with SavePath, and closes with Finish. The
// vfile, vmerge and checkout id are snapshotted alongside the files.
package undo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/filesystem"
	"github.com/adalundhe/keel/core/report"
	"github.com/adalundhe/keel/core/schema"
)

// State is what Available reports.
type State string

const (
	None State = ""
	Undo State = "undo"
	Redo State = "redo"
)

var availability = map[int]State{1: Undo, 2: Redo}

type Config struct {
	FS       filesystem.FS
	Disabled bool
	Logger   *slog.Logger
	Reporter report.Reporter
}

type Manager struct {
	q        database.Querier
	fs       filesystem.FS
	disabled bool
	active   bool
	logger   *slog.Logger
	reporter report.Reporter
}

func New(q database.Querier, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = report.Discard
	}
	return &Manager{
		q:        q,
		fs:       cfg.FS,
		disabled: cfg.Disabled,
		logger:   cfg.Logger,
		reporter: cfg.Reporter,
	}
}

// Active reports whether a capture session is open.
func (m *Manager) Active() bool { return m.active }

// Reset discards any saved undo or redo state.
func (m *Manager) Reset(ctx context.Context) error {
	err := database.ExecAll(ctx, m.q,
		`DELETE FROM undo`,
		`DELETE FROM undo_vfile`,
		`DELETE FROM undo_vmerge`,
	)
	if err != nil {
		return err
	}
	if _, err := m.q.ExecContext(ctx, `DELETE FROM vvar WHERE name = ?`, schema.VarUndoState); err != nil {
		return err
	}
	return m.setAvailable(ctx, 0)
}

// Begin starts capturing a new undoable operation, discarding the previous
// one.
func (m *Manager) Begin(ctx context.Context) error {
	if m.disabled {
		return nil
	}
	if err := m.Reset(ctx); err != nil {
		return fmt.Errorf("begin undo: %w", err)
	}
	err := database.ExecAll(ctx, m.q,
		`INSERT INTO undo_vfile SELECT * FROM vfile`,
		`INSERT INTO undo_vmerge SELECT * FROM vmerge`,
	)
	if err != nil {
		return fmt.Errorf("begin undo: %w", err)
	}
	_, err = m.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO vvar(name, value)
		SELECT ?, value FROM vvar WHERE name = ?`, schema.VarUndoState, schema.VarCheckout)
	if err != nil {
		return fmt.Errorf("begin undo: %w", err)
	}
	m.active = true
	return nil
}

// SavePath records the current state of path. Only the first call per
// path in a session counts. Outside a session it does nothing.
func (m *Manager) SavePath(ctx context.Context, path string) error {
	if !m.active {
		return nil
	}
	info, err := m.fs.Lstat(path)
	if err != nil {
		return err
	}
	var data []byte
	if info.Exists {
		if data, err = m.fs.ReadFile(path); err != nil {
			return err
		}
	}
	_, err = m.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO undo(pathname, redoflag, existsflag, isexe, islink, content)
		VALUES (?, 0, ?, ?, ?, ?)`, path, info.Exists, info.Exec, info.Symlink, data)
	if err != nil {
		return fmt.Errorf("save %s for undo: %w", path, err)
	}
	return nil
}

// Finish closes the session and makes it undoable.
func (m *Manager) Finish(ctx context.Context) error {
	if !m.active {
		return nil
	}
	m.active = false
	return m.setAvailable(ctx, 1)
}

// Rollback puts back every saved path and the checkout tables after an
// operation failed part way. Outside a session it does nothing.
func (m *Manager) Rollback(ctx context.Context) error {
	if !m.active {
		return nil
	}
	m.active = false

	entries, err := m.entries(ctx, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := m.restore(e); err != nil {
			return fmt.Errorf("rollback %s: %w", e.path, err)
		}
	}
	err = database.ExecAll(ctx, m.q,
		`DELETE FROM vfile`,
		`INSERT INTO vfile SELECT * FROM undo_vfile`,
		`DELETE FROM vmerge`,
		`INSERT INTO vmerge SELECT * FROM undo_vmerge`,
	)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if err := m.restoreCheckout(ctx, false); err != nil {
		return err
	}
	m.logger.Debug("undo rollback", "paths", len(entries))
	return m.Reset(ctx)
}

// Available reports whether undo or redo can run.
func (m *Manager) Available(ctx context.Context) (State, error) {
	var n int
	err := m.q.QueryRowContext(ctx, `SELECT value FROM config WHERE name = ?`, schema.ConfigUndoAvail).Scan(&n)
	if err == sql.ErrNoRows {
		return None, nil
	}
	if err != nil {
		return None, err
	}
	return availability[n], nil
}

// Undo reverts the last operation. With dryRun it only reports.
func (m *Manager) Undo(ctx context.Context, dryRun bool) error {
	return m.swap(ctx, Undo, dryRun)
}

// Redo reapplies an undone operation. With dryRun it only reports.
func (m *Manager) Redo(ctx context.Context, dryRun bool) error {
	return m.swap(ctx, Redo, dryRun)
}

func (m *Manager) swap(ctx context.Context, want State, dryRun bool) error {
	state, err := m.Available(ctx)
	if err != nil {
		return err
	}
	if state != want {
		return errors.Precondition(string(want), "nothing to %s", want)
	}

	redo := want == Redo
	entries, err := m.entries(ctx, redo)
	if err != nil {
		return err
	}
	label := "UNDO"
	if redo {
		label = "REDO"
	}
	for _, e := range entries {
		report.Printf(m.reporter, "%s %s", label, e.path)
		if dryRun {
			continue
		}
		info, err := m.fs.Lstat(e.path)
		if err != nil {
			return err
		}
		var current []byte
		if info.Exists {
			if current, err = m.fs.ReadFile(e.path); err != nil {
				return err
			}
		}
		if err := m.restore(e); err != nil {
			return fmt.Errorf("%s %s: %w", label, e.path, err)
		}
		_, err = m.q.ExecContext(ctx, `
			UPDATE undo SET redoflag = NOT redoflag, existsflag = ?, isexe = ?, islink = ?, content = ?
			 WHERE pathname = ?`, info.Exists, info.Exec, info.Symlink, current, e.path)
		if err != nil {
			return err
		}
	}
	if dryRun {
		return nil
	}

	if err := m.swapTables(ctx); err != nil {
		return err
	}
	if err := m.restoreCheckout(ctx, true); err != nil {
		return err
	}
	next := 2
	if redo {
		next = 1
	}
	return m.setAvailable(ctx, next)
}

type entry struct {
	path   string
	exists bool
	exec   bool
	link   bool
	data   []byte
}

func (m *Manager) entries(ctx context.Context, redo bool) ([]entry, error) {
	rows, err := m.q.QueryContext(ctx, `
		SELECT pathname, existsflag, isexe, islink, content FROM undo
		 WHERE redoflag = ? ORDER BY pathname`, redo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.path, &e.exists, &e.exec, &e.link, &e.data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m *Manager) restore(e entry) error {
	switch {
	case !e.exists:
		return m.fs.Remove(e.path)
	case e.link:
		return m.fs.Symlink(string(e.data), e.path)
	default:
		return m.fs.WriteFile(e.path, e.data, e.exec)
	}
}

func (m *Manager) swapTables(ctx context.Context) error {
	for _, table := range []string{"vfile", "vmerge"} {
		err := database.ExecAll(ctx, m.q,
			`DROP TABLE IF EXISTS undo_swap`,
			`CREATE TABLE undo_swap AS SELECT * FROM `+table,
			`DELETE FROM `+table,
			`INSERT INTO `+table+` SELECT * FROM undo_`+table,
			`DELETE FROM undo_`+table,
			`INSERT INTO undo_`+table+` SELECT * FROM undo_swap`,
			`DROP TABLE undo_swap`,
		)
		if err != nil {
			return fmt.Errorf("swap %s: %w", table, err)
		}
	}
	return nil
}

// restoreCheckout moves the saved checkout id back into place. With keep
// set the id being replaced is saved in turn, so the move can be reversed.
func (m *Manager) restoreCheckout(ctx context.Context, keep bool) error {
	var saved, current sql.NullInt64
	err := m.q.QueryRowContext(ctx, `SELECT value FROM vvar WHERE name = ?`, schema.VarUndoState).Scan(&saved)
	if err == sql.ErrNoRows || (err == nil && !saved.Valid) {
		return nil
	}
	if err != nil {
		return err
	}
	err = m.q.QueryRowContext(ctx, `SELECT value FROM vvar WHERE name = ?`, schema.VarCheckout).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if _, err := m.q.ExecContext(ctx, `INSERT OR REPLACE INTO vvar(name, value) VALUES (?, ?)`,
		schema.VarCheckout, saved.Int64); err != nil {
		return fmt.Errorf("restore checkout: %w", err)
	}
	if _, err := m.q.ExecContext(ctx, `INSERT OR REPLACE INTO vvar(name, value) SELECT ?, uuid FROM blob WHERE rid = ?`,
		schema.VarCheckoutUUID, saved.Int64); err != nil {
		return fmt.Errorf("restore checkout: %w", err)
	}
	if keep && current.Valid {
		if _, err := m.q.ExecContext(ctx, `INSERT OR REPLACE INTO vvar(name, value) VALUES (?, ?)`,
			schema.VarUndoState, current.Int64); err != nil {
			return fmt.Errorf("restore checkout: %w", err)
		}
	}
	return nil
}

func (m *Manager) setAvailable(ctx context.Context, n int) error {
	_, err := m.q.ExecContext(ctx, `INSERT OR REPLACE INTO config(name, value) VALUES (?, ?)`,
		schema.ConfigUndoAvail, n)
	return err
}
