package db

import (
	"context"

	"kinecare/internal/types"
)

// ExerciseRepository provides read access to the exercise_models table.
// The orphan-asset reaper treats its animation URLs as the source of truth
// for which blob objects are still referenced.
type ExerciseRepository struct {
	db DBTX
}

// NewExerciseRepository creates a new ExerciseRepository backed by the given
// database connection (pool or transaction).
func NewExerciseRepository(db DBTX) *ExerciseRepository {
	return &ExerciseRepository{db: db}
}

// ListAnimationURLs returns the animation URL of every exercise model that
// has one.
//
// SQL: SELECT animation_url FROM exercise_models WHERE animation_url IS NOT NULL
func (r *ExerciseRepository) ListAnimationURLs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT animation_url FROM exercise_models WHERE animation_url IS NOT NULL`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list animation urls", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan animation url", err)
		}
		urls = append(urls, url)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating animation urls", err)
	}

	return urls, nil
}
