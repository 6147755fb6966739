package db

import (
	"context"
	"time"

	"kinecare/internal/types"
)

// ProgrammeRepository provides data access for the programmes table and the
// chat_sessions rows hanging off it. It backs the archiver and purger jobs.
type ProgrammeRepository struct {
	db DBTX
}

// NewProgrammeRepository creates a new ProgrammeRepository backed by the
// given database connection (pool or transaction).
func NewProgrammeRepository(db DBTX) *ProgrammeRepository {
	return &ProgrammeRepository{db: db}
}

// ArchiveOverdueProgrammes marks up to limit programmes whose end date has
// passed as archived and returns their IDs. The subselect bounds the update
// the same way candidate selection is bounded everywhere else.
//
// SQL pattern:
//
//	UPDATE programmes SET is_archived = TRUE, archived_at = $1
//	WHERE id IN (SELECT id FROM programmes
//	             WHERE end_date <= $1 AND NOT is_archived
//	             ORDER BY end_date ASC LIMIT $2)
//	RETURNING id
func (r *ProgrammeRepository) ArchiveOverdueProgrammes(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE programmes
		 SET is_archived = TRUE, archived_at = $1
		 WHERE id IN (
		   SELECT id FROM programmes
		   WHERE end_date <= $1 AND NOT is_archived
		   ORDER BY end_date ASC
		   LIMIT $2)
		 RETURNING id`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to archive overdue programmes", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan archived programme id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating archived programme ids", err)
	}

	return ids, nil
}

// ListArchivedBefore returns programmes archived strictly before cutoff,
// oldest first, up to limit. Used by the purger; the `<` comparison makes a
// programme archived exactly at the cutoff ineligible.
func (r *ProgrammeRepository) ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.ArchivedProgramme, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, title, patient_id, start_date, end_date, archived_at
		 FROM programmes
		 WHERE is_archived AND archived_at < $1
		 ORDER BY archived_at ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list archived programmes", err)
	}
	defer rows.Close()

	var programmes []types.ArchivedProgramme
	for rows.Next() {
		var p types.ArchivedProgramme
		if err := rows.Scan(&p.ID, &p.Title, &p.PatientID, &p.StartDate, &p.EndDate, &p.ArchivedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan archived programme", err)
		}
		programmes = append(programmes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating archived programmes", err)
	}

	return programmes, nil
}

// DeleteProgramme permanently deletes a single programme. Postgres ON DELETE
// CASCADE removes its session_validations and chat_sessions; notifications
// keep their row with programme_id set to NULL.
func (r *ProgrammeRepository) DeleteProgramme(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM programmes WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete programme", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalDB, "programme not found for deletion", nil)
	}
	return nil
}

// CountChatSessions returns the number of chat_sessions rows referencing any
// of the given programmes. Reporting only; the rows are never touched by the
// maintenance jobs.
func (r *ProgrammeRepository) CountChatSessions(ctx context.Context, programmeIDs []string) (int, error) {
	if len(programmeIDs) == 0 {
		return 0, nil
	}

	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_sessions WHERE programme_id = ANY($1)`,
		programmeIDs,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count chat sessions", err)
	}
	return count, nil
}
