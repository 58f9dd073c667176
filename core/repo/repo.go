// Package repo ties the core components to one repository database and
// checkout. Every mutating operation runs inside Update, which binds all
// components to a single transaction.
package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/keel/core/checkout"
	"github.com/adalundhe/keel/core/config"
	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/dag"
	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/filesystem"
	"github.com/adalundhe/keel/core/manifest"
	"github.com/adalundhe/keel/core/match"
	"github.com/adalundhe/keel/core/merge"
	"github.com/adalundhe/keel/core/name"
	"github.com/adalundhe/keel/core/report"
	"github.com/adalundhe/keel/core/schema"
	"github.com/adalundhe/keel/core/stash"
	"github.com/adalundhe/keel/core/storage"
	"github.com/adalundhe/keel/core/tag"
	"github.com/adalundhe/keel/core/textdiff"
	"github.com/adalundhe/keel/core/undo"
)

type RID = content.RID

type Config struct {
	// Settings defaults to config.DefaultConfig().
	Settings *config.Config
	Logger   *slog.Logger
	Reporter report.Reporter
	// Now overrides the clock for new artifacts.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Settings == nil {
		c.Settings = config.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Reporter == nil {
		c.Reporter = report.Discard
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Repo struct {
	pool     *database.Pool
	dirs     *storage.ProjectDirs
	fs       *filesystem.FilesystemManager
	cache    *content.Cache
	settings *config.Config
	coll     match.Collation
	binary   []string
	logger   *slog.Logger
	reporter report.Reporter
	now      func() time.Time
}

// Init creates a repository and checkout rooted at root, with an initial
// empty check-in on the default branch checked out.
func Init(ctx context.Context, root, projectName string, cfg Config) (*Repo, error) {
	dirs := storage.ResolveProjectDirs(root)
	if err := dirs.EnsureAll(); err != nil {
		return nil, err
	}
	r, err := open(ctx, dirs, cfg)
	if err != nil {
		return nil, err
	}

	err = r.Update(ctx, func(tx *Tx) error {
		var existing int
		if err := tx.q.QueryRowContext(ctx, `SELECT count(*) FROM config WHERE name = ?`,
			schema.ConfigProjectCode).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return errors.Precondition("init", "repository already exists at %s", root)
		}
		if err := tx.SetSetting(ctx, schema.ConfigProjectCode, uuid.NewString()); err != nil {
			return err
		}
		if err := tx.SetSetting(ctx, schema.ConfigProjectName, projectName); err != nil {
			return err
		}

		rid, err := tx.CommitManifest(ctx, &manifest.Manifest{
			Comment: "initial empty check-in",
			Date:    r.now().UTC(),
			User:    r.settings.User,
			Tags: []manifest.Tag{
				{Op: '*', Name: "branch", Target: manifest.SelfTarget, Value: schema.DefaultBranch},
				{Op: '*', Name: tag.SymbolicName(schema.DefaultBranch), Target: manifest.SelfTarget},
			},
		})
		if err != nil {
			return err
		}
		return tx.Checkout.Switch(ctx, rid, false)
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	r.logger.Info("repository initialized", "root", root)
	return r, nil
}

// Open opens the repository of the checkout containing dir.
func Open(ctx context.Context, dir string, cfg Config) (*Repo, error) {
	root, err := storage.FindProjectRoot(dir)
	if err != nil {
		return nil, errors.Precondition("open", "%v", err)
	}
	return open(ctx, storage.ResolveProjectDirs(root), cfg)
}

func open(ctx context.Context, dirs *storage.ProjectDirs, cfg Config) (*Repo, error) {
	cfg.defaults()
	s := cfg.Settings

	poolCfg := database.DefaultPoolConfig()
	if s.Database.Driver != "" {
		poolCfg.Driver = s.Database.Driver
	}
	if s.Database.BusyTimeout > 0 {
		poolCfg.BusyTimeout = s.Database.BusyTimeout
	}
	pool, err := database.Open(dirs.Repository, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if pending, err := schema.Pending(pool); err == nil && len(pending) > 0 {
		cfg.Logger.Info("migrating repository", "path", dirs.Repository, "pending", len(pending))
	}
	if err := schema.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate repository: %w", err)
	}

	fsCfg := filesystem.DefaultFilesystemConfig()
	fsCfg.AllowSymlinks = s.Merge.AllowSymlinks
	fsCfg.Logger = cfg.Logger
	fsys, err := filesystem.NewFilesystemManager(dirs.Root, fsCfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	cache, err := content.NewCache(s.Content.CacheSize)
	if err != nil {
		pool.Close()
		return nil, err
	}

	coll := match.Exact
	if !s.Merge.CaseSensitive {
		coll = match.CaseFolding
	}
	return &Repo{
		pool:     pool,
		dirs:     dirs,
		fs:       fsys,
		cache:    cache,
		settings: s,
		coll:     coll,
		binary:   s.Merge.BinaryGlob,
		logger:   cfg.Logger,
		reporter: cfg.Reporter,
		now:      cfg.Now,
	}, nil
}

func (r *Repo) Close() error {
	return r.pool.Close()
}

func (r *Repo) Root() string { return r.dirs.Root }

func (r *Repo) FS() filesystem.FS { return r.fs }

func (r *Repo) Settings() *config.Config { return r.settings }

// BinaryGlob is the configured list of patterns treated as binary by merge.
func (r *Repo) BinaryGlob() []string { return r.binary }

// Update runs fn inside one transaction. Nothing fn did is kept when it
// returns an error.
func (r *Repo) Update(ctx context.Context, fn func(tx *Tx) error) error {
	lock, err := database.NewAdvisoryLock(r.dirs.Meta, "checkout")
	if err != nil {
		return fmt.Errorf("checkout lock: %w", err)
	}
	if err := lock.Acquire(ctx, r.settings.Database.BusyTimeout); err != nil {
		return err
	}
	defer lock.Release()

	return r.pool.Transaction(ctx, func(sqlTx *sql.Tx) error {
		return fn(r.bind(sqlTx))
	})
}

// View runs fn outside a transaction. fn must not write.
func (r *Repo) View(ctx context.Context, fn func(tx *Tx) error) error {
	return fn(r.bind(r.pool.DB()))
}

// Tx is the set of components bound to one transaction.
type Tx struct {
	Content  *content.Store
	Graph    *dag.Graph
	Tags     *tag.Engine
	Names    *name.Resolver
	Checkout *checkout.Checkout
	Undo     *undo.Manager
	Merge    *merge.Engine
	Stash    *stash.Stash

	repo *Repo
	q    database.Querier
}

func (r *Repo) bind(q database.Querier) *Tx {
	s := r.settings
	store := content.NewStoreWithCache(q, r.cache, content.Config{
		MaxDeltaChain: s.Content.MaxDeltaChain,
		Logger:        r.logger,
		Reporter:      r.reporter,
	})
	graph := dag.New(q, r.logger)
	tags := tag.NewEngine(store, graph, tag.Config{User: s.User, Logger: r.logger, Now: r.now})
	names := name.NewResolver(q, graph, name.Config{Logger: r.logger})
	co := checkout.New(store, checkout.Config{
		FS: r.fs, Collation: r.coll, Logger: r.logger, Reporter: r.reporter,
	})
	u := undo.New(q, undo.Config{
		FS: r.fs, Disabled: !s.Undo.Enabled, Logger: r.logger, Reporter: r.reporter,
	})
	differ := textdiff.NewMyersDiffer()
	merger := textdiff.NewMerger(differ)

	return &Tx{
		Content:  store,
		Graph:    graph,
		Tags:     tags,
		Names:    names,
		Checkout: co,
		Undo:     u,
		Merge: merge.NewEngine(store, names, graph, co, u, merge.Config{
			Merger: merger, Logger: r.logger, Reporter: r.reporter,
		}),
		Stash: stash.New(store, co, u, stash.Config{
			Merger: merger, Differ: differ, Logger: r.logger, Reporter: r.reporter, Now: r.now,
		}),
		repo: r,
		q:    q,
	}
}

// Setting reads a value of the repository config table.
func (tx *Tx) Setting(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := tx.q.QueryRowContext(ctx, `SELECT value FROM config WHERE name = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", errors.NotFound("setting", key)
	}
	return v.String, err
}

func (tx *Tx) SetSetting(ctx context.Context, key, value string) error {
	_, err := tx.q.ExecContext(ctx, `REPLACE INTO config(name, value) VALUES (?, ?)`, key, value)
	return err
}

// CommitManifest stores m and links it into the graph.
func (tx *Tx) CommitManifest(ctx context.Context, m *manifest.Manifest) (RID, error) {
	data := m.Bytes()
	rid, err := tx.Content.Put(ctx, data)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Crosslink(ctx, rid); err != nil {
		return 0, err
	}
	return rid, nil
}
