package contentstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	hash := HashContent("raw scraped text")

	entry, err := s.Put(hash, `{"organization":[]}`, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", entry.FirstJobID)

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, `{"organization":[]}`, got.ResultText)
	assert.Equal(t, "job-1", got.FirstJobID)
}

func TestGetMiss(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(HashContent("never stored"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutIsWriteOnce(t *testing.T) {
	s := newTestStore(t)
	hash := HashContent("same content")

	first, err := s.Put(hash, "first result", "job-1")
	require.NoError(t, err)

	// Second writer observes the existing entry and does nothing.
	second, err := s.Put(hash, "different result", "job-2")
	require.NoError(t, err)
	assert.Equal(t, first.ResultText, second.ResultText)
	assert.Equal(t, "job-1", second.FirstJobID)

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, "first result", got.ResultText)
	assert.Equal(t, "job-1", got.FirstJobID)
}

func TestEntryFileSharding(t *testing.T) {
	s := newTestStore(t)
	hash := HashContent("sharded")

	_, err := s.Put(hash, "x", "job-1")
	require.NoError(t, err)

	path := filepath.Join(s.Root(), "content", hash[:2], hash[2:4], hash+".json")
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRebuildIndexFromFiles(t *testing.T) {
	s := newTestStore(t)

	hashes := []string{
		HashContent("alpha"),
		HashContent("beta"),
		HashContent("gamma"),
	}
	for i, h := range hashes {
		_, err := s.Put(h, "result", "job-"+string(rune('a'+i)))
		require.NoError(t, err)
	}

	n, err := s.RebuildIndex()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, h := range hashes {
		got, err := s.Get(h)
		require.NoError(t, err)
		assert.Equal(t, h, got.Hash)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(HashContent("one"), "result one", "j1")
	require.NoError(t, err)
	_, err = s.Put(HashContent("two"), "result two", "j2")
	require.NoError(t, err)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Entries)
	assert.Greater(t, st.TotalBytes, int64(0))
}
