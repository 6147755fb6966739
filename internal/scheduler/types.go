// Package scheduler implements the scheduled maintenance jobs of the
// KineCare platform: programme-completion notification generation, programme
// archival, archived-programme purging, and orphan animation-asset reaping,
// together with the cron registrar and the retrying task executor that runs
// them.
package scheduler

import (
	"fmt"
	"time"

	"kinecare/internal/types"
)

// TaskType identifies a maintenance job. Each constant maps to one job
// service and one schedule entry.
type TaskType string

const (
	TaskCompletionNotifications TaskType = "completion_notifications"
	TaskArchiveProgrammes       TaskType = "archive_programmes"
	TaskPurgeArchived           TaskType = "purge_archived"
	TaskReapOrphanAssets        TaskType = "reap_orphan_assets"
)

// Trigger values recorded in job history and notification metadata.
const (
	TriggerScheduled = "scheduled"
	TriggerRequeue   = "requeue"
	TriggerManual    = "manual"
)

// AllTasks lists every registered task type, in schedule order.
func AllTasks() []TaskType {
	return []TaskType{
		TaskCompletionNotifications,
		TaskArchiveProgrammes,
		TaskPurgeArchived,
		TaskReapOrphanAssets,
	}
}

// ParseTask converts a string into a known TaskType.
func ParseTask(s string) (TaskType, error) {
	for _, t := range AllTasks() {
		if s == string(t) {
			return t, nil
		}
	}
	return "", types.NewAppError(types.ErrCodeNotFoundTask, fmt.Sprintf("unknown task type %q", s), nil)
}

// JobResult is the outcome of one job run, returned to the ops surface and
// summarized into job history.
type JobResult struct {
	Task    TaskType `json:"task"`
	Items   int      `json:"items"`
	Summary any      `json:"summary"`
}

// CompletionSummary reports one completion-notification generation run.
type CompletionSummary struct {
	Examined int                `json:"examined"`
	Created  int                `json:"created"`
	Skipped  int                `json:"skipped"`
	Failed   int                `json:"failed"`
	Details  []CompletionDetail `json:"details,omitempty"`
}

// CompletionDetail reports the outcome for one candidate programme.
type CompletionDetail struct {
	ProgrammeID          string `json:"programme_id"`
	ProgrammeTitle       string `json:"programme_title"`
	PatientName          string `json:"patient_name"`
	CompletionPercentage int    `json:"completion_percentage"`
	Created              bool   `json:"created"`
	Reason               string `json:"reason,omitempty"`
}

// ArchiveSummary reports one programme-archival run.
type ArchiveSummary struct {
	Archived     int      `json:"archived"`
	ChatSessions int      `json:"chat_sessions"`
	ProgrammeIDs []string `json:"programme_ids,omitempty"`
}

// PurgeSummary reports one archived-programme purge run.
type PurgeSummary struct {
	Deleted      int                       `json:"deleted"`
	Failed       int                       `json:"failed"`
	ChatSessions int                       `json:"chat_sessions"`
	SnapshotKey  string                    `json:"snapshot_key,omitempty"`
	Details      []types.ArchivedProgramme `json:"details,omitempty"`
}

// ReapSummary reports one orphan-asset reap run.
type ReapSummary struct {
	Checked int          `json:"checked"`
	Orphans int          `json:"orphans"`
	Deleted int          `json:"deleted"`
	Skipped int          `json:"skipped"`
	Details []ReapedAsset `json:"details,omitempty"`
}

// ReapedAsset describes one deleted orphan animation.
type ReapedAsset struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	AgeHours  float64   `json:"age_hours"`
}
