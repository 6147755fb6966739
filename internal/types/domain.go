// Package types defines the shared domain types for the KineCare maintenance
// worker: the rows the scheduled jobs read and write, the notification payload
// structures, and the error and secret primitives used across packages.
package types

import (
	"time"
)

// NotificationType identifies the category of a notification row.
type NotificationType string

const (
	// NotificationProgrammeCompleted is created once per finished programme.
	// At most one notification of this type may exist per
	// (practitioner, patient, programme) triple.
	NotificationProgrammeCompleted NotificationType = "programme_completed"
)

// Notification is a practitioner-facing notification row. Created unread;
// the web application (out of scope here) marks it read.
type Notification struct {
	ID             string           `json:"id"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	PractitionerID string           `json:"practitioner_id"`
	PatientID      *string          `json:"patient_id,omitempty"`
	ProgrammeID    *string          `json:"programme_id,omitempty"`
	Metadata       []byte           `json:"metadata,omitempty"` // serialized JSON blob
	IsRead         bool             `json:"is_read"`
	CreatedAt      time.Time        `json:"created_at"`
}

// CompletionMetadata is the serialized metadata blob attached to a
// programme-completed notification.
type CompletionMetadata struct {
	TotalDays            int       `json:"totalDays"`
	ValidatedDays        int       `json:"validatedDays"`
	CompletionPercentage int       `json:"completionPercentage"`
	AdherenceRatio       float64   `json:"adherenceRatio"`
	AdherenceText        string    `json:"adherenceText"`
	ProgrammeStartDate   time.Time `json:"programmeStartDate"`
	ProgrammeEndDate     time.Time `json:"programmeEndDate"`
	CompletedAt          time.Time `json:"completedAt"`
	Trigger              string    `json:"trigger"`
}

// CompletedProgramme is a candidate row for completion-notification
// generation: a programme whose end date has passed and that is not yet
// archived, joined with its patient and the count of validated session rows.
type CompletedProgramme struct {
	ID               string
	Title            string
	StartDate        time.Time
	EndDate          time.Time
	PatientID        string
	PatientFirstName string
	PatientLastName  string
	PractitionerID   string
	ValidatedDays    int
}

// PatientFullName returns the display name used in notification messages.
func (p CompletedProgramme) PatientFullName() string {
	return p.PatientFirstName + " " + p.PatientLastName
}

// ArchivedProgramme is a candidate row for the archived-programme purge.
type ArchivedProgramme struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	PatientID  string    `json:"patient_id"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	ArchivedAt time.Time `json:"archived_at"`
}

// BlobObject is a listed object in the blob store, identified by its storage
// key and the public URL derived from it.
type BlobObject struct {
	Key string
	URL string
}
