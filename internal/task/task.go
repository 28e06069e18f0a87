// Package task provides the data structures shared by the studysync core:
// the Task record, the raw remote row representation, and the closed enums
// used by conflict detection and the sync state machine.
package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Task is the unit of synchronization: one reminder entry owned by one user.
//
// The ID is assigned locally and is unique per owner within the local store;
// it is not guaranteed unique across devices until reconciled. CreatedAt is
// the only recency signal the record carries (there is no separate
// last-modified field), so all "newer side" decisions are approximations.
type Task struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Subject string `json:"subject,omitempty"`

	// DueDate is a date string; empty means "no due date".
	DueDate     string `json:"due_date,omitempty"`
	IsCompleted bool   `json:"is_completed"`

	// CreatedAt is a timestamp string, the sole recency signal.
	CreatedAt string `json:"created_at"`

	// ReminderAt is an optional scheduled-notification timestamp.
	ReminderAt string `json:"reminder_at,omitempty"`

	// ExternalSourceID links the record to an imported origin (for example
	// a course assignment). Used for de-duplication on import only, never
	// for conflict matching.
	ExternalSourceID string `json:"external_source_id,omitempty"`

	OwnerID string `json:"owner_id"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if t.CreatedAt == "" {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Key uniquely addresses a task: records are never merged across owners.
type Key struct {
	OwnerID string
	ID      int64
}

// Key returns the (owner, id) address of the task.
func (t *Task) Key() Key {
	return Key{OwnerID: t.OwnerID, ID: t.ID}
}

// Row is a raw record as read from the remote store. All fields are text
// because the remote table tolerates foreign writers; conversion to a Task
// can fail per row and the caller decides whether to drop or abort.
type Row struct {
	ID               string
	OwnerID          string
	Title            string
	Subject          string
	DueDate          string
	IsCompleted      string
	CreatedAt        string
	ReminderAt       string
	ExternalSourceID string
}

// FromRow converts a raw remote row into a Task.
//
// A row is malformed if its id is not an integer, its owner is empty, its
// title is empty, or it carries no created_at timestamp. Malformed rows are
// expected to be dropped individually without aborting the batch.
func FromRow(r Row) (Task, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.ID), 10, 64)
	if err != nil {
		return Task{}, fmt.Errorf("invalid task id %q: %w", r.ID, err)
	}

	t := Task{
		ID:               id,
		Title:            r.Title,
		Subject:          r.Subject,
		DueDate:          r.DueDate,
		IsCompleted:      parseBool(r.IsCompleted),
		CreatedAt:        r.CreatedAt,
		ReminderAt:       r.ReminderAt,
		ExternalSourceID: r.ExternalSourceID,
		OwnerID:          r.OwnerID,
	}

	if err := t.Validate(); err != nil {
		return Task{}, fmt.Errorf("invalid task row %q: %w", r.ID, err)
	}

	return t, nil
}

// ToRow converts a Task to its raw remote representation.
func (t *Task) ToRow() Row {
	completed := "0"
	if t.IsCompleted {
		completed = "1"
	}
	return Row{
		ID:               strconv.FormatInt(t.ID, 10),
		OwnerID:          t.OwnerID,
		Title:            t.Title,
		Subject:          t.Subject,
		DueDate:          t.DueDate,
		IsCompleted:      completed,
		CreatedAt:        t.CreatedAt,
		ReminderAt:       t.ReminderAt,
		ExternalSourceID: t.ExternalSourceID,
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes":
		return true
	default:
		return false
	}
}

// createdAtLayouts are the accepted timestamp formats, most specific first.
var createdAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseCreatedAt parses a created_at string. The second return value reports
// whether the string matched any accepted layout.
func ParseCreatedAt(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range createdAtLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// CreatedAfter reports whether timestamp a sorts strictly after b.
//
// Both parseable: real time comparison. One parseable: the parseable side
// sorts after. Neither: lexicographic comparison, which for ISO-style date
// strings still matches chronological order.
func CreatedAfter(a, b string) bool {
	ta, aok := ParseCreatedAt(a)
	tb, bok := ParseCreatedAt(b)
	switch {
	case aok && bok:
		return ta.After(tb)
	case aok != bok:
		return aok
	default:
		return a > b
	}
}

// MaxCreatedAt returns the later of two created_at strings, preferring a on
// ties or when neither parses and they compare equal.
func MaxCreatedAt(a, b string) string {
	if CreatedAfter(b, a) {
		return b
	}
	return a
}
