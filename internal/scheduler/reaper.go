package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kinecare/internal/types"
)

// AssetStore defines the blob-store operations needed by the OrphanReaper.
type AssetStore interface {
	// ListAnimationObjects lists every animation object with its public URL.
	ListAnimationObjects(ctx context.Context) ([]types.BlobObject, error)

	// ObjectCreatedAt returns the creation time from the object's metadata.
	ObjectCreatedAt(ctx context.Context, key string) (time.Time, error)

	// DeleteObject removes the object by storage key.
	DeleteObject(ctx context.Context, key string) error

	// ParseKey extracts the storage key from a public URL, reporting false
	// when the URL does not match the expected pattern.
	ParseKey(url string) (string, bool)
}

// ExerciseDB provides the referenced-asset source of truth.
type ExerciseDB interface {
	ListAnimationURLs(ctx context.Context) ([]string, error)
}

// OrphanReaper reconciles animation objects in the blob store against the
// exercise models referencing them and deletes unreferenced objects older
// than a grace period. The grace period protects assets uploaded moments ago
// that are not yet linked to an exercise row; it narrows the upload race, it
// does not eliminate it.
type OrphanReaper struct {
	store  AssetStore
	db     ExerciseDB
	grace  time.Duration
	logger *slog.Logger
}

// NewOrphanReaper creates a new OrphanReaper.
func NewOrphanReaper(store AssetStore, db ExerciseDB, grace time.Duration, logger *slog.Logger) *OrphanReaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrphanReaper{
		store:  store,
		db:     db,
		grace:  grace,
		logger: logger,
	}
}

// ReapOrphans lists animation objects, subtracts the URLs referenced by any
// exercise model, and deletes the remaining orphans whose age exceeds the
// grace period. Malformed URLs and per-object metadata or delete failures
// are logged and skipped; they never abort the batch.
func (s *OrphanReaper) ReapOrphans(ctx context.Context, now time.Time) (ReapSummary, error) {
	objects, err := s.store.ListAnimationObjects(ctx)
	if err != nil {
		return ReapSummary{}, fmt.Errorf("listing animation objects: %w", err)
	}

	urls, err := s.db.ListAnimationURLs(ctx)
	if err != nil {
		return ReapSummary{}, fmt.Errorf("listing referenced animation urls: %w", err)
	}

	referenced := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		referenced[u] = struct{}{}
	}

	summary := ReapSummary{Checked: len(objects)}

	for _, obj := range objects {
		if _, ok := referenced[obj.URL]; ok {
			continue
		}
		summary.Orphans++

		key, ok := s.store.ParseKey(obj.URL)
		if !ok {
			s.logger.WarnContext(ctx, "orphan url does not match expected pattern, skipping",
				"url", obj.URL,
			)
			summary.Skipped++
			continue
		}

		createdAt, err := s.store.ObjectCreatedAt(ctx, key)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to read orphan metadata, skipping",
				"key", key,
				"error", err,
			)
			summary.Skipped++
			continue
		}

		age := now.Sub(createdAt)
		if age <= s.grace {
			s.logger.InfoContext(ctx, "orphan younger than grace period, leaving in place",
				"key", key,
				"age_hours", age.Hours(),
			)
			summary.Skipped++
			continue
		}

		if err := s.store.DeleteObject(ctx, key); err != nil {
			s.logger.ErrorContext(ctx, "failed to delete orphan asset",
				"key", key,
				"error", err,
			)
			summary.Skipped++
			continue
		}

		summary.Deleted++
		summary.Details = append(summary.Details, ReapedAsset{
			URL:       obj.URL,
			Key:       key,
			CreatedAt: createdAt,
			AgeHours:  age.Hours(),
		})
	}

	s.logger.InfoContext(ctx, "orphan asset reap complete",
		"checked", summary.Checked,
		"orphans", summary.Orphans,
		"deleted", summary.Deleted,
		"skipped", summary.Skipped,
	)

	return summary, nil
}
