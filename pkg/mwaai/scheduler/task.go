package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Task is a message to be delivered at a future UTC time.
type Task struct {
	// ID identifies the task across retries. Assigned on Append.
	ID string

	// Message is the text delivered to the destination.
	Message string

	// DueTime is the delivery time, always UTC. The zero value means the
	// persisted time could not be parsed; such tasks are due immediately.
	DueTime time.Time

	// Destination is the recipient handle (phone number).
	Destination string

	// Endpoint is the routing handle used to send (phone_number_id).
	Endpoint string

	// Attempts counts failed delivery attempts.
	Attempts int

	// LastError is the error of the last failed attempt.
	LastError string

	// CreatedAt is when the task was first stored.
	CreatedAt time.Time
}

// DeadLetter is a task that will not be retried.
type DeadLetter struct {
	Task     Task
	Reason   string
	FailedAt time.Time
}

// Equal reports whether two tasks describe the same delivery. Bookkeeping
// fields are ignored.
func (t Task) Equal(o Task) bool {
	return t.Message == o.Message &&
		t.DueTime.Equal(o.DueTime) &&
		t.Destination == o.Destination &&
		t.Endpoint == o.Endpoint
}

// Due reports whether the task should be delivered at now.
func (t Task) Due(now time.Time) bool {
	return !t.DueTime.After(now)
}

// taskJSON is the persisted layout of tasks.json. Field names are kept
// stable so existing files load unchanged.
type taskJSON struct {
	ID            string `json:"id,omitempty"`
	Message       string `json:"message"`
	Time          string `json:"time"`
	To            string `json:"to"`
	PhoneNumberID string `json:"phone_number_id"`
	Attempts      int    `json:"attempts,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (t Task) MarshalJSON() ([]byte, error) {
	out := taskJSON{
		ID:            t.ID,
		Message:       t.Message,
		Time:          FormatTime(t.DueTime),
		To:            t.Destination,
		PhoneNumberID: t.Endpoint,
		Attempts:      t.Attempts,
		LastError:     t.LastError,
	}
	if !t.CreatedAt.IsZero() {
		out.CreatedAt = FormatTime(t.CreatedAt)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. An unparsable time decodes
// as the zero time instead of failing the whole collection.
func (t *Task) UnmarshalJSON(data []byte) error {
	var in taskJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	due, _ := ParseTime(in.Time)
	created, _ := ParseTime(in.CreatedAt)
	*t = Task{
		ID:          in.ID,
		Message:     in.Message,
		DueTime:     due,
		Destination: in.To,
		Endpoint:    in.PhoneNumberID,
		Attempts:    in.Attempts,
		LastError:   in.LastError,
		CreatedAt:   created,
	}
	return nil
}

// storageLayout sorts lexically in time order.
const storageLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC with fixed precision. The zero time renders
// as the empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(storageLayout)
}

// timeLayouts are the accepted ISO-8601 variants, zone-aware first.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 timestamp. Times without a zone are taken
// as UTC. The result is always UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %q", s)
}

// oldest returns the index of the task with the minimum due time, or -1.
// The first of equal candidates wins.
func oldest(tasks []Task) int {
	idx := -1
	for i, t := range tasks {
		if idx < 0 || t.DueTime.Before(tasks[idx].DueTime) {
			idx = i
		}
	}
	return idx
}

// indexOf returns the index of the first task equal to target, or -1.
func indexOf(tasks []Task, target Task) int {
	for i, t := range tasks {
		if t.Equal(target) {
			return i
		}
	}
	return -1
}

// indexByID matches on ID when set, falling back to structural equality
// for tasks written before ids existed.
func indexByID(tasks []Task, target Task) int {
	if target.ID != "" {
		for i, t := range tasks {
			if t.ID == target.ID {
				return i
			}
		}
		return -1
	}
	return indexOf(tasks, target)
}
