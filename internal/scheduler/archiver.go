package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ArchiveDB defines the database operations needed by the ProgrammeArchiver.
type ArchiveDB interface {
	// ArchiveOverdueProgrammes marks up to limit programmes with
	// end_date <= now and is_archived = false as archived (archived_at = now)
	// and returns their IDs.
	ArchiveOverdueProgrammes(ctx context.Context, now time.Time, limit int) ([]string, error)

	// CountChatSessions returns the number of chat sessions referencing the
	// given programmes. Reporting only.
	CountChatSessions(ctx context.Context, programmeIDs []string) (int, error)
}

// ProgrammeArchiver transitions programmes whose end date has passed to
// archived. It selects on the same predicate as the completion notifier; the
// two jobs run independently and are each idempotent over it, so overlapping
// or out-of-order runs are safe without coordination.
type ProgrammeArchiver struct {
	db         ArchiveDB
	batchLimit int
	logger     *slog.Logger
}

// NewProgrammeArchiver creates a new ProgrammeArchiver.
func NewProgrammeArchiver(db ArchiveDB, batchLimit int, logger *slog.Logger) *ProgrammeArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgrammeArchiver{
		db:         db,
		batchLimit: batchLimit,
		logger:     logger,
	}
}

// ArchiveOverdue bulk-archives up to batchLimit overdue programmes and
// reports how many chat sessions reference them. Re-running finds zero
// candidates once every overdue programme is archived.
func (s *ProgrammeArchiver) ArchiveOverdue(ctx context.Context, now time.Time) (ArchiveSummary, error) {
	ids, err := s.db.ArchiveOverdueProgrammes(ctx, now, s.batchLimit)
	if err != nil {
		return ArchiveSummary{}, fmt.Errorf("archiving overdue programmes: %w", err)
	}

	if len(ids) == 0 {
		s.logger.InfoContext(ctx, "no overdue programmes to archive")
		return ArchiveSummary{}, nil
	}

	summary := ArchiveSummary{
		Archived:     len(ids),
		ProgrammeIDs: ids,
	}

	sessions, err := s.db.CountChatSessions(ctx, ids)
	if err != nil {
		// The archival is already committed; a failed count only degrades
		// the report.
		s.logger.WarnContext(ctx, "failed to count chat sessions for archived programmes",
			"error", err,
		)
	} else {
		summary.ChatSessions = sessions
	}

	s.logger.InfoContext(ctx, "archived overdue programmes",
		"archived", summary.Archived,
		"chat_sessions", summary.ChatSessions,
	)

	return summary, nil
}
