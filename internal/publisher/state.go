package publisher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// stateFile is the publisher watermark, stored at the root of the external
// repository working copy.
const stateFile = ".publisher_state.json"

// ratchetFile guards the SQL dump against publishing a drastically shrunken
// dataset. Lives under sql_dumps/ in the external repo.
const ratchetFile = ".record_count_ratchet"

// State is the processed-file watermark. Processed maps repo-relative
// recorder paths to the modification time last synced, so a tick only copies
// files that are new or have changed since.
type State struct {
	LastSync  time.Time            `json:"last_sync"`
	Processed map[string]time.Time `json:"processed"`
}

func loadState(repoDir string) (*State, error) {
	state := &State{Processed: map[string]time.Time{}}
	data, err := os.ReadFile(filepath.Join(repoDir, stateFile))
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("publisher: read state: %w", err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("publisher: decode state: %w", err)
	}
	if state.Processed == nil {
		state.Processed = map[string]time.Time{}
	}
	return state, nil
}

func saveState(repoDir string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("publisher: marshal state: %w", err)
	}
	return writeFileAtomic(filepath.Join(repoDir, stateFile), data)
}

// Ratchet records the highest location count ever dumped. A dump is skipped
// when the current count falls below max(max_record_count × pct, min).
type Ratchet struct {
	MaxRecordCount int64     `json:"max_record_count"`
	UpdatedAt      time.Time `json:"updated_at"`
	UpdatedBy      string    `json:"updated_by"`
}

func loadRatchet(repoDir string) (*Ratchet, error) {
	ratchet := &Ratchet{}
	data, err := os.ReadFile(filepath.Join(repoDir, "sql_dumps", ratchetFile))
	if os.IsNotExist(err) {
		return ratchet, nil
	}
	if err != nil {
		return nil, fmt.Errorf("publisher: read ratchet: %w", err)
	}
	if err := json.Unmarshal(data, ratchet); err != nil {
		return nil, fmt.Errorf("publisher: decode ratchet: %w", err)
	}
	return ratchet, nil
}

func saveRatchet(repoDir string, ratchet *Ratchet) error {
	data, err := json.MarshalIndent(ratchet, "", "  ")
	if err != nil {
		return fmt.Errorf("publisher: marshal ratchet: %w", err)
	}
	return writeFileAtomic(filepath.Join(repoDir, "sql_dumps", ratchetFile), data)
}

// ratchetFloor is the minimum location count a dump must clear.
func ratchetFloor(ratchet *Ratchet, pct float64, minRecords int64) int64 {
	floor := int64(float64(ratchet.MaxRecordCount) * pct)
	if floor < minRecords {
		floor = minRecords
	}
	return floor
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("publisher: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("publisher: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("publisher: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("publisher: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publisher: rename into place: %w", err)
	}
	return nil
}
