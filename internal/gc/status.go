package gc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pbscore/internal/format"
)

// statusFileName is where the GC status record is persisted within the
// datastore root (the supplemented "GarbageCollectionStatus persisted as
// JSON" feature — spec.md §4.F describes the counters but not their
// storage; original_source's GC keeps a live status struct readers can
// poll, so this gives that the same durability a restart needs).
const statusFileName = ".gc-status.json"

// Status mirrors spec.md §4.F's GarbageCollectionStatus counters.
type Status struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	IndexFileCount int64 `json:"index_file_count"`
	IndexDataBytes int64 `json:"index_data_bytes"`
	DiskBytes      int64 `json:"disk_bytes"`
	DiskChunks     int64 `json:"disk_chunks"`
	RemovedBytes   int64 `json:"removed_bytes"`
	RemovedChunks  int64 `json:"removed_chunks"`
	PendingBytes   int64 `json:"pending_bytes"`
	PendingChunks  int64 `json:"pending_chunks"`
	RemovedBad     int64 `json:"removed_bad"`
	StillBad       int64 `json:"still_bad"`

	Err string `json:"error,omitempty"`
}

func newStatus() *Status {
	return &Status{RunID: uuid.NewString(), StartedAt: time.Now()}
}

// WriteStatus persists status atomically to <dsRoot>/.gc-status.json.
func WriteStatus(dsRoot string, status *Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("gc: marshal status: %w", err)
	}
	return format.WriteAtomic(filepath.Join(dsRoot, statusFileName), data, 0o644)
}

// ReadStatus loads the most recently written GC status, if any.
func ReadStatus(dsRoot string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(dsRoot, statusFileName))
	if err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("gc: unmarshal status: %w", err)
	}
	return &status, nil
}
