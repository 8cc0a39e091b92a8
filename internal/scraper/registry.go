// Package scraper discovers and runs source-specific collectors. A scraper is
// an executable in the scraper directory: it reads nothing on stdin, writes
// one textual payload on stdout, and exits 0 on success. The orchestrator
// funnels each run's stdout onto the raw queue.
package scraper

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Scraper is one discovered collector.
type Scraper struct {
	Name string
	Path string
}

// Registry resolves scrapers by name from a directory on disk. Discovery is
// re-run on every call so dropping a new executable in takes effect without a
// restart.
type Registry struct {
	dir string
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Discover lists the executable entries of the scraper directory, sorted by
// name. The name is the file name with any extension stripped, so both
// `nyc_efap` and `nyc_efap.sh` register as `nyc_efap`.
func (r *Registry) Discover() ([]Scraper, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("scraper: read dir %s: %w", r.dir, err)
	}

	var scrapers []Scraper
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("scraper: stat %s: %w", entry.Name(), err)
		}
		if info.Mode().Perm()&0o111 == 0 {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		scrapers = append(scrapers, Scraper{
			Name: name,
			Path: filepath.Join(r.dir, entry.Name()),
		})
	}
	sort.Slice(scrapers, func(i, j int) bool { return scrapers[i].Name < scrapers[j].Name })
	return scrapers, nil
}

// Get resolves one scraper by name.
func (r *Registry) Get(name string) (Scraper, error) {
	scrapers, err := r.Discover()
	if err != nil {
		return Scraper{}, err
	}
	for _, s := range scrapers {
		if s.Name == name {
			return s, nil
		}
	}
	return Scraper{}, fmt.Errorf("scraper: %q not found in %s", name, r.dir)
}
