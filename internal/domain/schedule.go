package domain

import (
	"fmt"
	"time"
)

// TimeOfDay is a local wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var td TimeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d", &td.Hour, &td.Minute); err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if !td.Valid() {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	return td, nil
}

func MustTimeOfDay(s string) TimeOfDay {
	td, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return td
}

func (td TimeOfDay) Valid() bool {
	return td.Hour >= 0 && td.Hour <= 23 && td.Minute >= 0 && td.Minute <= 59
}

func (td TimeOfDay) Minutes() int {
	return td.Hour*60 + td.Minute
}

func (td TimeOfDay) Before(other TimeOfDay) bool {
	return td.Minutes() < other.Minutes()
}

func (td TimeOfDay) After(other TimeOfDay) bool {
	return td.Minutes() > other.Minutes()
}

// At anchors the time of day on the calendar date of t, in t's location.
func (td TimeOfDay) At(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), td.Hour, td.Minute, 0, 0, t.Location())
}

func (td TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", td.Hour, td.Minute)
}

// QueueSchedule is one operating-hours row per (queue, weekday).
// Windows never span midnight; a 24h queue is stored as 00:00-23:59.
type QueueSchedule struct {
	Weekday  time.Weekday `json:"weekday"`
	IsClosed bool         `json:"is_closed"`
	OpenTime *TimeOfDay   `json:"open_time,omitempty"`
	EndTime  *TimeOfDay   `json:"end_time,omitempty"`
}

// Valid reports whether an open row carries a well-formed window.
func (s *QueueSchedule) Valid() bool {
	if s.IsClosed {
		return true
	}
	if s.OpenTime == nil || s.EndTime == nil {
		return false
	}
	if !s.OpenTime.Valid() || !s.EndTime.Valid() {
		return false
	}
	return !s.OpenTime.After(*s.EndTime)
}
