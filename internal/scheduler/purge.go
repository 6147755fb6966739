package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"kinecare/internal/types"
)

// PurgeDB defines the database operations needed by the ArchivedPurger.
type PurgeDB interface {
	// ListArchivedBefore returns programmes archived strictly before cutoff,
	// oldest first, up to limit.
	ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.ArchivedProgramme, error)

	// CountChatSessions returns the number of chat sessions referencing the
	// given programmes. Reporting only.
	CountChatSessions(ctx context.Context, programmeIDs []string) (int, error)

	// DeleteProgramme permanently deletes one programme and its dependent
	// rows.
	DeleteProgramme(ctx context.Context, id string) error
}

// SnapshotStore uploads the compressed purge snapshot to the blob store
// before any deletion happens.
type SnapshotStore interface {
	Upload(ctx context.Context, key string, contentType string, data []byte) error
}

// ArchivedPurger permanently deletes programmes that have stayed archived
// longer than the retention window. Before deleting, it writes a gzipped
// JSONL snapshot of the doomed records to the blob store so a purge remains
// auditable after the rows are gone.
type ArchivedPurger struct {
	db              PurgeDB
	snapshots       SnapshotStore
	snapshotPrefix  string
	retentionMonths int
	batchLimit      int
	logger          *slog.Logger
}

// NewArchivedPurger creates a new ArchivedPurger.
func NewArchivedPurger(db PurgeDB, snapshots SnapshotStore, snapshotPrefix string, retentionMonths, batchLimit int, logger *slog.Logger) *ArchivedPurger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchivedPurger{
		db:              db,
		snapshots:       snapshots,
		snapshotPrefix:  snapshotPrefix,
		retentionMonths: retentionMonths,
		batchLimit:      batchLimit,
		logger:          logger,
	}
}

// PurgeArchived deletes programmes archived more than the retention window
// ago, one by one. A single deletion failure is logged and skipped; the row
// stays behind for the next run. The cutoff comparison is strict: a
// programme archived exactly retention ago is not yet eligible.
func (s *ArchivedPurger) PurgeArchived(ctx context.Context, now time.Time) (PurgeSummary, error) {
	cutoff := now.AddDate(0, -s.retentionMonths, 0)

	candidates, err := s.db.ListArchivedBefore(ctx, cutoff, s.batchLimit)
	if err != nil {
		return PurgeSummary{}, fmt.Errorf("listing archived programmes: %w", err)
	}

	if len(candidates) == 0 {
		s.logger.InfoContext(ctx, "no archived programmes to purge",
			"cutoff", cutoff.Format(time.RFC3339),
		)
		return PurgeSummary{}, nil
	}

	var summary PurgeSummary

	ids := make([]string, len(candidates))
	for i, p := range candidates {
		ids[i] = p.ID
	}

	sessions, err := s.db.CountChatSessions(ctx, ids)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to count chat sessions for purge candidates",
			"error", err,
		)
	} else {
		summary.ChatSessions = sessions
	}

	// Snapshot before deleting anything. If the upload fails the purge is
	// aborted; the candidates remain eligible next run.
	key, err := s.uploadSnapshot(ctx, now, candidates)
	if err != nil {
		return PurgeSummary{}, fmt.Errorf("uploading purge snapshot: %w", err)
	}
	summary.SnapshotKey = key

	s.logger.InfoContext(ctx, "purging archived programmes",
		"candidates", len(candidates),
		"cutoff", cutoff.Format(time.RFC3339),
		"snapshot_key", key,
	)

	for _, p := range candidates {
		if err := s.db.DeleteProgramme(ctx, p.ID); err != nil {
			s.logger.ErrorContext(ctx, "failed to delete archived programme",
				"programme_id", p.ID,
				"error", err,
			)
			summary.Failed++
			continue
		}
		summary.Deleted++
		summary.Details = append(summary.Details, p)
	}

	s.logger.InfoContext(ctx, "archived programme purge complete",
		"deleted", summary.Deleted,
		"failed", summary.Failed,
		"chat_sessions", summary.ChatSessions,
	)

	return summary, nil
}

// uploadSnapshot serializes the purge candidates to gzipped JSONL and uploads
// them under the snapshot prefix. Returns the storage key.
func (s *ArchivedPurger) uploadSnapshot(ctx context.Context, now time.Time, candidates []types.ArchivedProgramme) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, p := range candidates {
		if err := enc.Encode(p); err != nil {
			return "", fmt.Errorf("encoding programme %s: %w", p.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("closing gzip writer: %w", err)
	}

	key := fmt.Sprintf("%s%d/%02d/purge_%s.jsonl.gz",
		s.snapshotPrefix, now.Year(), int(now.Month()), uuid.New().String())

	if err := s.snapshots.Upload(ctx, key, "application/gzip", buf.Bytes()); err != nil {
		return "", err
	}
	return key, nil
}
