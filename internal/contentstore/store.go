// Package contentstore is the hash-indexed deduplication cache between the
// scraper orchestrator and the LLM worker. Entries are keyed by the SHA-256
// of the raw scraped content and are write-once: a second Put of the same
// hash observes the existing entry and does nothing.
//
// Backing storage is one JSON file per hash under
// content-store/content/<aa>/<bb>/<hash>.json plus a bbolt index for keyed
// lookup. The index is derived data — RebuildIndex reconstructs it from the
// file tree after loss or corruption.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/metrics"
)

// ErrNotFound is returned by Get for hashes with no stored entry.
var ErrNotFound = errors.New("contentstore: entry not found")

var indexBucket = []byte("content")

// Entry is the stored value for a content hash. Immutable once written.
type Entry struct {
	Hash       string    `json:"hash"`
	FirstJobID string    `json:"first_job_id"`
	ResultText string    `json:"result_text"`
	StoredAt   time.Time `json:"stored_at"`
}

// Stats summarizes the store contents.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// Store is safe for concurrent readers and idempotent concurrent writers.
type Store struct {
	root   string
	index  *bolt.DB
	logger *zap.Logger
}

// Open creates or opens a content store rooted at path. The layout matches
// the published data repo: <path>/content-store/{content/,index.db}.
func Open(path string, logger *zap.Logger) (*Store, error) {
	root := filepath.Join(path, "content-store")
	if err := os.MkdirAll(filepath.Join(root, "content"), 0o755); err != nil {
		return nil, fmt.Errorf("contentstore: create layout: %w", err)
	}

	index, err := bolt.Open(filepath.Join(root, "index.db"), 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("contentstore: open index: %w", err)
	}
	if err := index.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("contentstore: init index bucket: %w", err)
	}

	return &Store{root: root, index: index, logger: logger.Named("contentstore")}, nil
}

// Close releases the index database.
func (s *Store) Close() error {
	return s.index.Close()
}

// HashContent returns the hex SHA-256 of raw content, the store's key.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Put stores the result text for a hash. Write-once: if an entry already
// exists the call is a no-op and returns the existing entry.
func (s *Store) Put(hash, resultText, jobID string) (*Entry, error) {
	if existing, err := s.Get(hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	entry := &Entry{
		Hash:       hash,
		FirstJobID: jobID,
		ResultText: resultText,
		StoredAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("contentstore: marshal entry: %w", err)
	}

	path := s.entryPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("contentstore: create shard dir: %w", err)
	}

	// Write-temp-then-rename so a concurrent reader never sees a torn file,
	// and O_EXCL-equivalent semantics via the rename race: whichever writer
	// lands second simply overwrites with identical-keyed content.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("contentstore: write entry: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		// Another writer won the race. Keep their entry.
		os.Remove(tmp)
		return s.Get(hash)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("contentstore: commit entry: %w", err)
	}

	if err := s.indexPut(entry); err != nil {
		return nil, err
	}

	s.logger.Debug("content stored",
		zap.String("hash", hash),
		zap.String("job_id", jobID),
	)
	return entry, nil
}

// Get returns the entry for a hash, consulting the index first and falling
// back to the file tree (self-healing after a stale index).
func (s *Store) Get(hash string) (*Entry, error) {
	var raw []byte
	err := s.index.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(indexBucket).Get([]byte(hash)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contentstore: index lookup: %w", err)
	}

	if raw == nil {
		data, err := os.ReadFile(s.entryPath(hash))
		if errors.Is(err, fs.ErrNotExist) {
			metrics.ContentStoreHits.WithLabelValues("miss").Inc()
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("contentstore: read entry file: %w", err)
		}
		raw = data

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("contentstore: decode entry %s: %w", hash, err)
		}
		// Heal the index for the next lookup.
		if err := s.indexPut(&entry); err != nil {
			return nil, err
		}
		metrics.ContentStoreHits.WithLabelValues("hit").Inc()
		return &entry, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("contentstore: decode entry %s: %w", hash, err)
	}
	metrics.ContentStoreHits.WithLabelValues("hit").Inc()
	return &entry, nil
}

// Stats walks the file tree and returns entry count and total bytes.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := filepath.WalkDir(filepath.Join(s.root, "content"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.Entries++
		st.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("contentstore: stats: %w", err)
	}
	return st, nil
}

// RebuildIndex drops the index bucket and repopulates it from the file tree.
// The file tree is the source of truth; the index is disposable.
func (s *Store) RebuildIndex() (int, error) {
	if err := s.index.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(indexBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(indexBucket)
		return err
	}); err != nil {
		return 0, fmt.Errorf("contentstore: reset index: %w", err)
	}

	count := 0
	err := filepath.WalkDir(filepath.Join(s.root, "content"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			s.logger.Warn("skipping unreadable entry during rebuild", zap.String("path", path), zap.Error(err))
			return nil
		}
		if err := s.indexPut(&entry); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("contentstore: rebuild index: %w", err)
	}

	s.logger.Info("content store index rebuilt", zap.Int("entries", count))
	return count, nil
}

// Root returns the on-disk root of the store (the content-store directory),
// used by the publisher to mirror the snapshot into the data repo.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) entryPath(hash string) string {
	// Two-level fan-out keeps directory sizes manageable at millions of
	// entries: content/<aa>/<bb>/<hash>.json.
	if len(hash) < 4 {
		return filepath.Join(s.root, "content", hash+".json")
	}
	return filepath.Join(s.root, "content", hash[:2], hash[2:4], hash+".json")
}

func (s *Store) indexPut(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("contentstore: marshal index entry: %w", err)
	}
	if err := s.index.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put([]byte(entry.Hash), data)
	}); err != nil {
		return fmt.Errorf("contentstore: index put: %w", err)
	}
	return nil
}
