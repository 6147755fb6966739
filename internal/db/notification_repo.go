package db

import (
	"context"
	"time"

	"kinecare/internal/types"
)

// NotificationRepository provides data access for the notifications table and
// the completion-candidate query joining programmes, patients, and validated
// session rows. It implements types.CompletionQueries; the CompletionStore
// runs it against a transaction so selection and insertion share one unit of
// isolation.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a new NotificationRepository backed by
// the given database connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// ListCompletedUnarchived returns up to limit programmes whose end date has
// passed and that are not archived, oldest overdue first, each joined with
// its patient and the count of validated session rows.
//
// SQL pattern:
//
//	SELECT p.id, p.title, p.start_date, p.end_date,
//	       pat.id, pat.first_name, pat.last_name, pat.practitioner_id,
//	       COUNT(sv.id) FILTER (WHERE sv.is_validated)
//	FROM programmes p
//	JOIN patients pat ON pat.id = p.patient_id
//	LEFT JOIN session_validations sv ON sv.programme_id = p.id
//	WHERE p.end_date <= $1 AND NOT p.is_archived
//	GROUP BY p.id, pat.id
//	ORDER BY p.end_date ASC LIMIT $2
func (r *NotificationRepository) ListCompletedUnarchived(ctx context.Context, now time.Time, limit int) ([]types.CompletedProgramme, error) {
	rows, err := r.db.Query(ctx,
		`SELECT p.id, p.title, p.start_date, p.end_date,
		        pat.id, pat.first_name, pat.last_name, pat.practitioner_id,
		        COUNT(sv.id) FILTER (WHERE sv.is_validated) AS validated_days
		 FROM programmes p
		 JOIN patients pat ON pat.id = p.patient_id
		 LEFT JOIN session_validations sv ON sv.programme_id = p.id
		 WHERE p.end_date <= $1 AND NOT p.is_archived
		 GROUP BY p.id, pat.id
		 ORDER BY p.end_date ASC
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list completed programmes", err)
	}
	defer rows.Close()

	var programmes []types.CompletedProgramme
	for rows.Next() {
		var p types.CompletedProgramme
		if err := rows.Scan(
			&p.ID,
			&p.Title,
			&p.StartDate,
			&p.EndDate,
			&p.PatientID,
			&p.PatientFirstName,
			&p.PatientLastName,
			&p.PractitionerID,
			&p.ValidatedDays,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan completed programme", err)
		}
		programmes = append(programmes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating completed programmes", err)
	}

	return programmes, nil
}

// CompletionNotificationExists reports whether a programme-completed
// notification already exists for the (practitioner, patient, programme)
// triple. The partial unique index is the authoritative guard; this check
// lets the generator log the skip instead of relying on a silent conflict.
func (r *NotificationRepository) CompletionNotificationExists(ctx context.Context, practitionerID, patientID, programmeID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM notifications
		   WHERE type = $1
		     AND practitioner_id = $2
		     AND patient_id = $3
		     AND programme_id = $4)`,
		string(types.NotificationProgrammeCompleted),
		practitionerID,
		patientID,
		programmeID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check existing completion notification", err)
	}
	return exists, nil
}

// InsertNotification inserts one notification row. ON CONFLICT DO NOTHING
// lets the partial unique index on programme-completed notifications absorb
// concurrent duplicates: zero rows affected means another run already created
// the notification, reported as (false, nil).
func (r *NotificationRepository) InsertNotification(ctx context.Context, n *types.Notification) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO notifications
		 (id, type, title, message, practitioner_id, patient_id, programme_id, metadata, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
		 ON CONFLICT DO NOTHING`,
		n.ID,
		string(n.Type),
		n.Title,
		n.Message,
		n.PractitionerID,
		n.PatientID,
		n.ProgrammeID,
		n.Metadata,
		n.CreatedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert notification", err)
	}
	return tag.RowsAffected() > 0, nil
}
