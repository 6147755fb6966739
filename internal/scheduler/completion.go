package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"kinecare/internal/types"
)

// CompletionStore provides the transactional boundary for completion
// notification generation. Candidate selection, dedup checks, and inserts run
// against the same transaction.
type CompletionStore interface {
	WithCompletionTx(ctx context.Context, fn func(q types.CompletionQueries) error) error
}

// CompletionNotifier generates the "programme completed" notification for
// programmes whose end date has passed. At most one such notification exists
// per (practitioner, patient, programme) triple: a pre-insert existence check
// handles the common re-run case with a logged skip, and the partial unique
// index absorbs the race a concurrent run could otherwise win.
type CompletionNotifier struct {
	store      CompletionStore
	batchLimit int
	logger     *slog.Logger
}

// NewCompletionNotifier creates a new CompletionNotifier.
func NewCompletionNotifier(store CompletionStore, batchLimit int, logger *slog.Logger) *CompletionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionNotifier{
		store:      store,
		batchLimit: batchLimit,
		logger:     logger,
	}
}

// GenerateCompletionNotifications scans, inside one transaction, for up to
// batchLimit programmes with end_date <= now that are not archived (oldest
// overdue first), computes adherence metrics for each, and creates one unread
// notification per programme that does not already have one. The trigger
// value is recorded in the notification metadata.
//
// A duplicate (pre-existing notification or unique-index conflict) is an
// idempotent no-op, logged and counted as skipped. A row-level insert failure
// rolls back that row alone, is logged, and the batch continues; the failed
// programme stays eligible for the next run. Only query errors abort and roll
// back the whole batch.
func (s *CompletionNotifier) GenerateCompletionNotifications(ctx context.Context, now time.Time, trigger string) (CompletionSummary, error) {
	var summary CompletionSummary

	err := s.store.WithCompletionTx(ctx, func(q types.CompletionQueries) error {
		candidates, err := q.ListCompletedUnarchived(ctx, now, s.batchLimit)
		if err != nil {
			return fmt.Errorf("listing completed programmes: %w", err)
		}

		summary.Examined = len(candidates)
		if len(candidates) == 0 {
			s.logger.InfoContext(ctx, "no completed programmes awaiting notification")
			return nil
		}

		for _, p := range candidates {
			exists, err := q.CompletionNotificationExists(ctx, p.PractitionerID, p.PatientID, p.ID)
			if err != nil {
				return fmt.Errorf("checking existing notification for programme %s: %w", p.ID, err)
			}
			if exists {
				s.logger.InfoContext(ctx, "completion notification already exists, skipping",
					"programme_id", p.ID,
					"patient_id", p.PatientID,
				)
				summary.Skipped++
				summary.Details = append(summary.Details, CompletionDetail{
					ProgrammeID:    p.ID,
					ProgrammeTitle: p.Title,
					PatientName:    p.PatientFullName(),
					Created:        false,
					Reason:         "already_notified",
				})
				continue
			}

			totalDays, pct, ratio := adherence(p.StartDate, p.EndDate, p.ValidatedDays)
			adherenceText := fmt.Sprintf("%d of %d days validated (%d%%)", p.ValidatedDays, totalDays, pct)

			metadata, err := json.Marshal(types.CompletionMetadata{
				TotalDays:            totalDays,
				ValidatedDays:        p.ValidatedDays,
				CompletionPercentage: pct,
				AdherenceRatio:       ratio,
				AdherenceText:        adherenceText,
				ProgrammeStartDate:   p.StartDate,
				ProgrammeEndDate:     p.EndDate,
				CompletedAt:          now,
				Trigger:              trigger,
			})
			if err != nil {
				return fmt.Errorf("marshaling completion metadata for programme %s: %w", p.ID, err)
			}

			patientID := p.PatientID
			programmeID := p.ID
			created, err := q.InsertNotification(ctx, &types.Notification{
				ID:             uuid.New().String(),
				Type:           types.NotificationProgrammeCompleted,
				Title:          "Programme completed",
				Message: fmt.Sprintf("Programme %q for %s has ended. Adherence: %s.",
					p.Title, p.PatientFullName(), adherenceText),
				PractitionerID: p.PractitionerID,
				PatientID:      &patientID,
				ProgrammeID:    &programmeID,
				Metadata:       metadata,
				CreatedAt:      now,
			})
			if err != nil {
				// The store isolates each insert in a savepoint, so the
				// failure is confined to this row.
				s.logger.ErrorContext(ctx, "failed to insert completion notification, skipping programme",
					"programme_id", p.ID,
					"error", err,
				)
				summary.Failed++
				summary.Details = append(summary.Details, CompletionDetail{
					ProgrammeID:          p.ID,
					ProgrammeTitle:       p.Title,
					PatientName:          p.PatientFullName(),
					CompletionPercentage: pct,
					Created:              false,
					Reason:               "insert_failed",
				})
				continue
			}

			detail := CompletionDetail{
				ProgrammeID:          p.ID,
				ProgrammeTitle:       p.Title,
				PatientName:          p.PatientFullName(),
				CompletionPercentage: pct,
				Created:              created,
			}
			if !created {
				// Another run won the unique index; treat as the same
				// idempotent skip the existence check produces.
				s.logger.InfoContext(ctx, "completion notification created concurrently, skipping",
					"programme_id", p.ID,
				)
				summary.Skipped++
				detail.Reason = "concurrent_duplicate"
			} else {
				summary.Created++
			}
			summary.Details = append(summary.Details, detail)
		}

		return nil
	})
	if err != nil {
		return CompletionSummary{}, err
	}

	s.logger.InfoContext(ctx, "completion notification generation finished",
		"examined", summary.Examined,
		"created", summary.Created,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)

	return summary, nil
}

// adherence computes the completion metrics for a programme span.
// totalDays counts both endpoints: a programme running D0..D0+9 spans 10
// days. The percentage is the validated share rounded to the nearest whole
// percent.
func adherence(start, end time.Time, validatedDays int) (totalDays, percentage int, ratio float64) {
	totalDays = int(math.Ceil(end.Sub(start).Hours()/24)) + 1
	if totalDays < 1 {
		totalDays = 1
	}
	ratio = float64(validatedDays) / float64(totalDays)
	percentage = int(math.Round(ratio * 100))
	return totalDays, percentage, ratio
}
