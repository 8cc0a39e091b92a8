package recorder

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ArchiveDay bundles one day's output tree into
// outputs/archives/<YYYY-MM-DD>.tar.gz and returns the archive path.
// The day's files stay in place; archiving never deletes.
func (r *Recorder) ArchiveDay(day string) (string, error) {
	dayDir := filepath.Join(r.root, "daily", day)
	if _, err := os.Stat(dayDir); err != nil {
		return "", fmt.Errorf("recorder: archive %s: %w", day, err)
	}

	archiveDir := filepath.Join(r.root, "archives")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("recorder: mkdir archives: %w", err)
	}
	archivePath := filepath.Join(archiveDir, day+".tar.gz")

	tmp, err := os.CreateTemp(archiveDir, ".tmp-archive-*")
	if err != nil {
		return "", fmt.Errorf("recorder: create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(dayDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dayDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(day, rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		tmp.Close()
		return "", fmt.Errorf("recorder: archive %s: %w", day, walkErr)
	}

	if err := tw.Close(); err != nil {
		gz.Close()
		tmp.Close()
		return "", fmt.Errorf("recorder: finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("recorder: finalize gzip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("recorder: close temp archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), archivePath); err != nil {
		return "", fmt.Errorf("recorder: rename archive: %w", err)
	}
	return archivePath, nil
}
