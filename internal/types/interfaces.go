package types

import (
	"context"
	"time"
)

// CompletionQueries is the set of database operations the completion
// notification generator performs inside a single transaction. The db package
// provides the pgx-backed implementation; the scheduler package consumes it
// through a transactional store so that candidate selection and notification
// insertion share one unit of isolation.
type CompletionQueries interface {
	// ListCompletedUnarchived returns up to limit programmes with
	// end_date <= now and is_archived = false, ordered by end_date ascending
	// (oldest overdue first), each joined with its patient and the count of
	// validated session rows.
	ListCompletedUnarchived(ctx context.Context, now time.Time, limit int) ([]CompletedProgramme, error)

	// CompletionNotificationExists reports whether a programme-completed
	// notification already exists for the (practitioner, patient, programme)
	// triple.
	CompletionNotificationExists(ctx context.Context, practitionerID, patientID, programmeID string) (bool, error)

	// InsertNotification inserts one notification row. Returns false when the
	// partial unique index on programme-completed notifications rejected the
	// row (idempotent duplicate), true when the row was created. A row-level
	// failure must be confined to this insert: the implementation isolates it
	// so the surrounding transaction stays usable and the caller can skip the
	// row and continue.
	InsertNotification(ctx context.Context, n *Notification) (bool, error)
}
