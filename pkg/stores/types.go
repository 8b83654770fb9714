package stores

import (
	"context"
	"time"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// SnapshotSummary is a row of the snapshot listing, without the goal document.
type SnapshotSummary struct {
	ChangeEventID string    `json:"change_event_id"`
	Graph         string    `json:"graph"`
	Fingerprint   string    `json:"fingerprint"`
	Version       int64     `json:"version"`
	Complete      bool      `json:"complete"`
	SubmittedAt   time.Time `json:"submitted_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GoalStateRow is the denormalized state of one goal instance.
type GoalStateRow struct {
	ChangeEventID string           `json:"change_event_id"`
	Goal          string           `json:"goal"`
	Environment   string           `json:"environment"`
	State         engine.GoalState `json:"state"`
	Attempt       int              `json:"attempt"`
	Reason        *string          `json:"reason,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ListOptions filters snapshot listings.
type ListOptions struct {
	// Complete restricts the listing to complete (true) or active (false) graphs.
	Complete *bool
	Limit    int
	Offset   int
}

// Store defines the interface for the persistence layer. Implementations also
// satisfy engine.StateStore. Only the latest state of each change event is kept.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Snapshot operations
	SaveSnapshot(ctx context.Context, snapshot *engine.Snapshot) error
	LoadSnapshot(ctx context.Context, changeEventID string) (*engine.Snapshot, error)
	ListSnapshots(ctx context.Context, opts ListOptions) ([]*SnapshotSummary, error)
	DeleteSnapshot(ctx context.Context, changeEventID string) error
	PruneCompleted(ctx context.Context, before time.Time) (int64, error)

	// Goal state queries
	ListGoalStates(ctx context.Context, changeEventID string) ([]*GoalStateRow, error)
	CountGoalsByState(ctx context.Context) (map[engine.GoalState]int, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
