package bulk

// Status is the lifecycle state of a bulk run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions happen for the run.
// Paused ends a run too, but a new run may resume loading.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Progress is an immutable snapshot of a run. The controller publishes a new
// value after every batch; readers never observe a half-updated snapshot.
type Progress struct {
	RunID                string `json:"run_id,omitempty"`
	CurrentBatch         int    `json:"current_batch"`
	TotalBatchesEstimate int    `json:"total_batches_estimate"`
	ItemsLoaded          int    `json:"items_loaded"`
	SubItemsLoaded       int    `json:"sub_items_loaded"`
	CurrentSourceName    string `json:"current_source_name"`
	Status               Status `json:"status"`
	ErrorDetail          string `json:"error_detail,omitempty"`
}

// ProgressFunc receives progress snapshots. It is called on the run's
// goroutine and must not block for long.
type ProgressFunc func(Progress)
