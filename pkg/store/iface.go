// iface.go defines the StoreInterface for dependency injection and testing.
//
// The simulator and the CLI accept StoreInterface so tests can record a
// run in memory instead of on disk.
package store

import "github.com/daviddao/semtoken/pkg/model"

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Runs ---

	// CreateRun records the start of a simulation.
	CreateRun(name string, seed int64, config string) (*model.Run, error)

	// FinishRun marks a run complete at the given simulated time.
	FinishRun(id, simMillis int64) error

	// GetRun retrieves a run by ID.
	GetRun(id int64) (*model.Run, error)

	// LatestRun returns the most recently created run.
	LatestRun() (*model.Run, error)

	// ListRuns returns all runs, newest first.
	ListRuns() ([]model.Run, error)

	// --- Snapshots ---

	// InsertSnapshot records one node's view of one entity.
	InsertSnapshot(runID int64, node model.NodeID, at int64, st model.EntityState) error

	// InsertSnapshots records a batch of views taken at the same time.
	InsertSnapshots(runID, at int64, states []model.NodeState) error

	// LatestSnapshots returns the newest snapshot per (node, entity).
	LatestSnapshots(runID int64) ([]model.Snapshot, error)

	// --- Events ---

	// InsertEvent appends an event to the log. Returns the row ID.
	InsertEvent(e *model.Event) (int64, error)

	// InsertEvents appends a batch of events.
	InsertEvents(events []model.Event) error

	// ListEvents returns events of a run with row ID > sinceID.
	ListEvents(runID, sinceID int64, limit int) ([]model.Event, error)

	// CountEvents returns the number of events logged for a run.
	CountEvents(runID int64) int64

	// CountEventsByKind returns per-kind event totals for a run.
	CountEventsByKind(runID int64) (map[model.EventKind]int64, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
