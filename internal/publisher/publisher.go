// Package publisher mirrors recorder output, SQL dumps, and the portable
// SQLite export into an external git repository on a fixed interval. Every
// tick works on a dated data-update branch that is merged into main with an
// explicit merge commit; pushing is opt-in and off by default.
package publisher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/db"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/metrics"
)

// Tick outcomes reported on the publisher_runs metric.
const (
	outcomePublished      = "published"
	outcomeNoChanges      = "no_changes"
	outcomeRatchetTripped = "ratchet_tripped"
	outcomeError          = "error"
)

// Options configures a Publisher.
type Options struct {
	RepoDir         string // external repository working copy
	OutputsDir      string // recorder output root
	ContentStoreDir string // content store root, "" to skip the snapshot
	Database        *gorm.DB
	DatabaseURL     string // pg_dump target; "" skips the SQL dump
	Interval        time.Duration
	DaysToSync      int
	PushEnabled     bool
	MinRecords      int64
	RatchetPct      float64
	AllowEmptyDump  bool
	MainBranch      string // default "main"
}

// Publisher drives the periodic publish cycle.
type Publisher struct {
	opts   Options
	git    *gitRepo
	logger *zap.Logger
	now    func() time.Time
}

// New wires a publisher. Defaults: 5 minute interval, 7 days to sync,
// ratchet 0.9/100, main branch "main".
func New(opts Options, logger *zap.Logger) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.DaysToSync <= 0 {
		opts.DaysToSync = 7
	}
	if opts.MinRecords <= 0 {
		opts.MinRecords = 100
	}
	if opts.RatchetPct <= 0 {
		opts.RatchetPct = 0.9
	}
	if opts.MainBranch == "" {
		opts.MainBranch = "main"
	}
	return &Publisher{
		opts:   opts,
		git:    newGitRepo(opts.RepoDir, logger),
		logger: logger.Named("publisher"),
		now:    time.Now,
	}
}

// Run ticks once at startup and then on the configured interval until ctx is
// cancelled. A failed tick is logged and retried on the next interval.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("publisher started",
		zap.Duration("interval", p.opts.Interval),
		zap.Bool("push_enabled", p.opts.PushEnabled),
	)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.tickLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("publisher stopped")
			return
		case <-ticker.C:
			p.tickLogged(ctx)
		}
	}
}

func (p *Publisher) tickLogged(ctx context.Context) {
	if err := p.Tick(ctx); err != nil {
		metrics.PublisherRuns.WithLabelValues(outcomeError).Inc()
		p.logger.Error("publish tick failed", zap.Error(err))
	}
}

// Tick runs one publish cycle:
//
//	pull → discover → ratchet check → branch → sync → dump → sqlite export
//	→ watermark → commit → merge → (push | READ-ONLY)
//
// The ratchet is evaluated before any file is staged; a tripped ratchet
// skips the dump and the commit entirely.
func (p *Publisher) Tick(ctx context.Context) error {
	// 1. Pull, with local changes stashed first. Local-only working copies
	// (no origin) skip the network steps.
	if p.git.HasRemote(ctx) {
		if _, err := p.git.StashIfDirty(ctx); err != nil {
			return err
		}
		if err := p.git.Fetch(ctx); err != nil {
			return err
		}
		if err := p.git.PullFFOnly(ctx); err != nil {
			return err
		}
	}

	// 2. Discover recorder files newer than the watermark.
	state, err := loadState(p.opts.RepoDir)
	if err != nil {
		return err
	}
	files, err := p.discover(state)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		p.logger.Debug("no new recorder files, skipping tick")
		metrics.PublisherRuns.WithLabelValues(outcomeNoChanges).Inc()
		return nil
	}

	// 3. Ratchet check, before anything is staged. A tripped ratchet ends
	// the tick here: no branch is created and no commit is made, so the
	// repository stays on the last published state until the count recovers
	// or AllowEmptyDump forces a run through.
	ratchet, err := loadRatchet(p.opts.RepoDir)
	if err != nil {
		return err
	}
	var locationCount int64
	if err := p.opts.Database.WithContext(ctx).Model(&db.Location{}).Count(&locationCount).Error; err != nil {
		return fmt.Errorf("publisher: count locations: %w", err)
	}
	if floor := ratchetFloor(ratchet, p.opts.RatchetPct, p.opts.MinRecords); locationCount < floor && !p.opts.AllowEmptyDump {
		p.logger.Warn("record count below ratchet floor, skipping dump and commit",
			zap.Int64("count", locationCount),
			zap.Int64("floor", floor),
			zap.Int64("max_record_count", ratchet.MaxRecordCount),
		)
		metrics.PublisherRuns.WithLabelValues(outcomeRatchetTripped).Inc()
		return nil
	}

	// 4. Branch.
	branch := p.branchName(ctx)
	if err := p.git.CreateAndCheckout(ctx, branch); err != nil {
		return err
	}
	log := p.logger.With(zap.String("branch", branch))

	// 5. Sync recorder files and the content store snapshot.
	for rel, src := range files {
		if err := copyFile(src.path, filepath.Join(p.opts.RepoDir, rel)); err != nil {
			return err
		}
	}
	if p.opts.ContentStoreDir != "" {
		if err := copyTree(p.opts.ContentStoreDir, filepath.Join(p.opts.RepoDir, "content_store")); err != nil {
			return err
		}
	}
	log.Info("recorder files synced", zap.Int("files", len(files)))

	// 6. SQL dump plus ratchet advance.
	if err := p.sqlDump(ctx, locationCount, ratchet); err != nil {
		return err
	}

	// 7. SQLite export.
	sqlitePath := filepath.Join(p.opts.RepoDir, "sqlite", "pantry_pirate_radio.sqlite")
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o755); err != nil {
		return fmt.Errorf("publisher: mkdir sqlite: %w", err)
	}
	if err := ExportSQLite(ctx, p.opts.Database, sqlitePath, p.logger); err != nil {
		return err
	}

	// 8. Advance the watermark before committing so it travels with the data.
	for rel, src := range files {
		state.Processed[rel] = src.modTime
	}
	state.LastSync = p.now().UTC()
	if err := saveState(p.opts.RepoDir, state); err != nil {
		return err
	}

	// 9. Commit, merge to main, push only when enabled.
	if err := p.git.AddAll(ctx); err != nil {
		return err
	}
	staged, err := p.git.HasStagedChanges(ctx)
	if err != nil {
		return err
	}
	if !staged {
		log.Info("nothing staged after sync")
		metrics.PublisherRuns.WithLabelValues(outcomeNoChanges).Inc()
		return p.git.Checkout(ctx, p.opts.MainBranch)
	}
	if err := p.git.Commit(ctx, "Data update "+p.now().UTC().Format("2006-01-02")); err != nil {
		return err
	}
	if err := p.git.Checkout(ctx, p.opts.MainBranch); err != nil {
		return err
	}
	if err := p.git.MergeNoFF(ctx, branch, "Merge "+branch); err != nil {
		return err
	}

	if !p.opts.PushEnabled {
		log.Info("READ-ONLY: push disabled, branch merged locally only")
		metrics.PublisherRuns.WithLabelValues(outcomePublished).Inc()
		return nil
	}
	if p.git.HasRemote(ctx) {
		if err := p.git.Push(ctx, p.opts.MainBranch); err != nil {
			// The merged branch stays in place for operator inspection.
			return err
		}
	}
	log.Info("data update published")
	metrics.PublisherRuns.WithLabelValues(outcomePublished).Inc()
	return nil
}

// branchName returns data-update-<YYYY-MM-DD>, suffixed with -HHMMSS when
// the plain name already exists locally or on origin.
func (p *Publisher) branchName(ctx context.Context) string {
	now := p.now().UTC()
	name := "data-update-" + now.Format("2006-01-02")
	if p.git.HasBranch(ctx, name) {
		name += "-" + now.Format("150405")
	}
	return name
}

type discovered struct {
	path    string
	modTime time.Time
}

// discover walks the recorder tree and returns repo-relative paths of files
// that are new or modified since the watermark: daily/ days within the sync
// window plus everything under latest/.
func (p *Publisher) discover(state *State) (map[string]discovered, error) {
	files := map[string]discovered{}
	cutoff := p.now().UTC().AddDate(0, 0, -p.opts.DaysToSync)

	dailyRoot := filepath.Join(p.opts.OutputsDir, "daily")
	entries, err := os.ReadDir(dailyRoot)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("publisher: read daily dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		day, err := time.Parse("2006-01-02", entry.Name())
		if err != nil || day.Before(cutoff) {
			continue
		}
		err = p.collect(filepath.Join(dailyRoot, entry.Name()), filepath.Join("daily", entry.Name()), state, files)
		if err != nil {
			return nil, err
		}
	}

	latestRoot := filepath.Join(p.opts.OutputsDir, "latest")
	if _, err := os.Stat(latestRoot); err == nil {
		if err := p.collect(latestRoot, "latest", state, files); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (p *Publisher) collect(root, relBase string, state *State, files map[string]discovered) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if strings.HasPrefix(info.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		repoRel := filepath.Join(relBase, rel)
		if last, ok := state.Processed[repoRel]; ok && !info.ModTime().After(last) {
			return nil
		}
		files[repoRel] = discovered{path: path, modTime: info.ModTime()}
		return nil
	})
}

// sqlDump writes sql_dumps/pantry_pirate_radio_<ts>.sql via pg_dump, points
// latest.sql at it, and advances the ratchet when the count grew. Skipped
// with a debug log when no PostgreSQL URL is configured (development runs on
// SQLite, which the portable export already covers).
func (p *Publisher) sqlDump(ctx context.Context, locationCount int64, ratchet *Ratchet) error {
	dumpDir := filepath.Join(p.opts.RepoDir, "sql_dumps")
	if err := os.MkdirAll(dumpDir, 0o755); err != nil {
		return fmt.Errorf("publisher: mkdir sql_dumps: %w", err)
	}

	if p.opts.DatabaseURL != "" {
		name := fmt.Sprintf("pantry_pirate_radio_%s.sql", p.now().UTC().Format("20060102_150405"))
		dumpPath := filepath.Join(dumpDir, name)

		cmd := exec.CommandContext(ctx, "pg_dump", "--no-owner", "--dbname="+p.opts.DatabaseURL, "-f", dumpPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("publisher: pg_dump: %w: %s", err, strings.TrimSpace(string(out)))
		}

		latest := filepath.Join(dumpDir, "latest.sql")
		_ = os.Remove(latest)
		if err := os.Symlink(name, latest); err != nil {
			// Filesystems without symlink support get a copy instead.
			if cerr := copyFile(dumpPath, latest); cerr != nil {
				return fmt.Errorf("publisher: point latest.sql: %w", cerr)
			}
		}
		p.logger.Info("sql dump written", zap.String("file", name), zap.Int64("locations", locationCount))
	} else {
		p.logger.Debug("no database url configured, skipping pg_dump")
	}

	if locationCount > ratchet.MaxRecordCount {
		return saveRatchet(p.opts.RepoDir, &Ratchet{
			MaxRecordCount: locationCount,
			UpdatedAt:      p.now().UTC(),
			UpdatedBy:      "publisher",
		})
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("publisher: mkdir %s: %w", filepath.Dir(dst), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("publisher: open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("publisher: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("publisher: copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("publisher: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("publisher: rename %s: %w", dst, err)
	}
	return nil
}

// copyTree mirrors src into dst. Never deletes: files removed from src stay
// in dst, per the no-delete invariant on the external repo.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}
