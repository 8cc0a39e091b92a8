package publisher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/db"
)

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitOut(t, dir, "init", "-b", "main")
	gitOut(t, dir, "config", "user.email", "test@example.org")
	gitOut(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("data repo\n"), 0o644))
	gitOut(t, dir, "add", "-A")
	gitOut(t, dir, "commit", "-m", "initial")
	return dir
}

func newSourceDB(t *testing.T, locations int) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "source.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	for i := 0; i < locations; i++ {
		lat, lng := 40.0+float64(i)*0.001, -74.0
		loc := db.Location{
			Name:            "Site",
			Latitude:        &lat,
			Longitude:       &lng,
			GeocodingStatus: db.GeocodingVerified,
		}
		require.NoError(t, database.Create(&loc).Error)
	}
	return database
}

func writeRecorderFile(t *testing.T, outputs, day, scraper, jobID string) {
	t.Helper()
	path := filepath.Join(outputs, "daily", day, "scrapers", scraper, jobID+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"job_id":"`+jobID+`"}`), 0o644))
}

func newTestPublisher(t *testing.T, repo, outputs string, database *gorm.DB) *Publisher {
	t.Helper()
	p := New(Options{
		RepoDir:    repo,
		OutputsDir: outputs,
		Database:   database,
		MinRecords: 1,
	}, zap.NewNop())
	return p
}

func TestRatchetFloor(t *testing.T) {
	assert.Equal(t, int64(100), ratchetFloor(&Ratchet{}, 0.9, 100))
	assert.Equal(t, int64(900), ratchetFloor(&Ratchet{MaxRecordCount: 1000}, 0.9, 100))
	assert.Equal(t, int64(100), ratchetFloor(&Ratchet{MaxRecordCount: 50}, 0.9, 100))
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	state, err := loadState(dir)
	require.NoError(t, err)
	assert.Empty(t, state.Processed)

	state.Processed["daily/2026-08-24/summary.json"] = time.Now().UTC()
	state.LastSync = time.Now().UTC()
	require.NoError(t, saveState(dir, state))

	loaded, err := loadState(dir)
	require.NoError(t, err)
	assert.Len(t, loaded.Processed, 1)
	assert.False(t, loaded.LastSync.IsZero())
}

func TestExportSQLiteCreatesViews(t *testing.T) {
	source := newSourceDB(t, 3)
	path := filepath.Join(t.TempDir(), "export.sqlite")

	require.NoError(t, ExportSQLite(context.Background(), source, path, zap.NewNop()))

	exported, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      path,
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, exported.Model(&db.Location{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)

	var views []string
	require.NoError(t, exported.Raw(
		"SELECT name FROM sqlite_master WHERE type = 'view' ORDER BY name").Scan(&views).Error)
	assert.ElementsMatch(t, []string{
		"locations_by_scraper",
		"multi_source_locations",
		"location_with_services",
		"organization_with_services",
		"service_with_locations",
	}, views)
}

func TestTickPublishesLocally(t *testing.T) {
	repo := initRepo(t)
	outputs := t.TempDir()
	day := time.Now().UTC().Format("2006-01-02")
	writeRecorderFile(t, outputs, day, "nyc_efap", "job-1")

	p := newTestPublisher(t, repo, outputs, newSourceDB(t, 5))
	require.NoError(t, p.Tick(context.Background()))

	// Merged onto main with an explicit merge commit; push never attempted.
	assert.Equal(t, "main", gitOut(t, repo, "rev-parse", "--abbrev-ref", "HEAD"))
	log := gitOut(t, repo, "log", "--oneline")
	assert.Contains(t, log, "Data update "+day)
	assert.Contains(t, log, "Merge data-update-"+day)

	// Synced files and exports are committed.
	tracked := gitOut(t, repo, "ls-files")
	assert.Contains(t, tracked, "daily/"+day+"/scrapers/nyc_efap/job-1.json")
	assert.Contains(t, tracked, "sqlite/pantry_pirate_radio.sqlite")
	assert.Contains(t, tracked, ".publisher_state.json")

	// Ratchet advanced to the current count.
	ratchet, err := loadRatchet(repo)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ratchet.MaxRecordCount)
	assert.Equal(t, "publisher", ratchet.UpdatedBy)
}

func TestTickSecondBranchGetsTimeSuffix(t *testing.T) {
	repo := initRepo(t)
	outputs := t.TempDir()
	day := time.Now().UTC().Format("2006-01-02")
	writeRecorderFile(t, outputs, day, "nyc_efap", "job-1")

	p := newTestPublisher(t, repo, outputs, newSourceDB(t, 5))
	require.NoError(t, p.Tick(context.Background()))

	writeRecorderFile(t, outputs, day, "nyc_efap", "job-2")
	require.NoError(t, p.Tick(context.Background()))

	branches := gitOut(t, repo, "branch", "--list", "data-update-*")
	assert.Contains(t, branches, "data-update-"+day)
	// The second tick could not reuse the existing name.
	lines := strings.Split(branches, "\n")
	assert.Len(t, lines, 2)
}

func TestTickWatermarkSkipsProcessedFiles(t *testing.T) {
	repo := initRepo(t)
	outputs := t.TempDir()
	day := time.Now().UTC().Format("2006-01-02")
	writeRecorderFile(t, outputs, day, "nyc_efap", "job-1")

	p := newTestPublisher(t, repo, outputs, newSourceDB(t, 5))
	require.NoError(t, p.Tick(context.Background()))
	commits := gitOut(t, repo, "rev-list", "--count", "HEAD")

	// Nothing new: the tick is a no-op, no branch, no commit.
	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, commits, gitOut(t, repo, "rev-list", "--count", "HEAD"))
}

func TestTickRatchetTrippedSkipsDumpAndCommit(t *testing.T) {
	repo := initRepo(t)
	outputs := t.TempDir()
	day := time.Now().UTC().Format("2006-01-02")
	writeRecorderFile(t, outputs, day, "nyc_efap", "job-1")

	// A previous run dumped 1000 locations; the database now reports 5.
	require.NoError(t, saveRatchet(repo, &Ratchet{MaxRecordCount: 1000, UpdatedAt: time.Now()}))

	p := newTestPublisher(t, repo, outputs, newSourceDB(t, 5))
	before := gitOut(t, repo, "rev-list", "--count", "HEAD")
	require.NoError(t, p.Tick(context.Background()))

	assert.Equal(t, before, gitOut(t, repo, "rev-list", "--count", "HEAD"),
		"tripped ratchet must not commit")
	assert.Equal(t, "", gitOut(t, repo, "branch", "--list", "data-update-*"))

	// The ratchet itself never moves down.
	ratchet, err := loadRatchet(repo)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), ratchet.MaxRecordCount)
}

func TestTickAllowEmptyDumpBypassesRatchet(t *testing.T) {
	repo := initRepo(t)
	outputs := t.TempDir()
	day := time.Now().UTC().Format("2006-01-02")
	writeRecorderFile(t, outputs, day, "nyc_efap", "job-1")
	require.NoError(t, saveRatchet(repo, &Ratchet{MaxRecordCount: 1000, UpdatedAt: time.Now()}))

	p := New(Options{
		RepoDir:        repo,
		OutputsDir:     outputs,
		Database:       newSourceDB(t, 5),
		MinRecords:     1,
		AllowEmptyDump: true,
	}, zap.NewNop())
	require.NoError(t, p.Tick(context.Background()))

	assert.Contains(t, gitOut(t, repo, "log", "--oneline"), "Data update")
}

func TestDiscoverHonorsSyncWindow(t *testing.T) {
	outputs := t.TempDir()
	old := time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	recent := time.Now().UTC().Format("2006-01-02")
	writeRecorderFile(t, outputs, old, "nyc_efap", "stale")
	writeRecorderFile(t, outputs, recent, "nyc_efap", "fresh")

	p := newTestPublisher(t, initRepo(t), outputs, nil)
	files, err := p.discover(&State{Processed: map[string]time.Time{}})
	require.NoError(t, err)

	_, hasFresh := files[filepath.Join("daily", recent, "scrapers", "nyc_efap", "fresh.json")]
	_, hasStale := files[filepath.Join("daily", old, "scrapers", "nyc_efap", "stale.json")]
	assert.True(t, hasFresh)
	assert.False(t, hasStale, "days outside the sync window are ignored")
}
