// Package delay turns a booking's local date and time into absolute reminder
// fire times.
package delay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-reminders/internal/models"
)

// ErrInvalidTimeFormat is returned when a scheduled date or time cannot be parsed
var ErrInvalidTimeFormat = errors.New("invalid time format")

// Offset is how long before the booking a reminder kind fires. Unknown kinds
// report false.
func Offset(kind models.ReminderKind) (time.Duration, bool) {
	switch kind {
	case models.ReminderOneDayBefore:
		return 24 * time.Hour, true
	case models.ReminderThirtyMinBefore:
		return 30 * time.Minute, true
	default:
		return 0, false
	}
}

const dateLayout = "2006-01-02"

var timeLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04PM",
	"03:04 PM",
}

// Calculator resolves local booking times in a single operational timezone
type Calculator struct {
	Location *time.Location
}

// NewCalculator loads the named IANA timezone. An empty name means UTC.
func NewCalculator(tz string) (*Calculator, error) {
	if tz == "" {
		return &Calculator{Location: time.UTC}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	return &Calculator{Location: loc}, nil
}

// Resolve converts a local date and time into an absolute UTC instant
func (c *Calculator) Resolve(at models.LocalDateTime) (time.Time, error) {
	date := strings.TrimSpace(at.Date)
	clock := strings.ToUpper(strings.TrimSpace(at.Time))
	if date == "" || clock == "" {
		return time.Time{}, fmt.Errorf("%w: empty date or time in %q", ErrInvalidTimeFormat, at.String())
	}

	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(dateLayout+" "+layout, date+" "+clock, c.location())
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidTimeFormat, at.String())
}

// FireTimes holds the reminders that are still in the future, keyed by kind
type FireTimes map[models.ReminderKind]time.Time

// Compute returns the fire times for a booking at scheduledAt. Kinds whose
// fire time is at or before now are omitted; an empty result is not an error.
func (c *Calculator) Compute(scheduledAt models.LocalDateTime, now time.Time) (FireTimes, error) {
	at, err := c.Resolve(scheduledAt)
	if err != nil {
		return nil, err
	}

	fires := make(FireTimes, len(models.ReminderKinds))
	for _, kind := range models.ReminderKinds {
		offset, ok := Offset(kind)
		if !ok {
			continue
		}
		fireAt := at.Add(-offset)
		if !fireAt.After(now) {
			continue
		}
		fires[kind] = fireAt
	}
	return fires, nil
}

// Same reports whether two local date/times resolve to the same instant
func (c *Calculator) Same(a, b models.LocalDateTime) bool {
	ta, errA := c.Resolve(a)
	tb, errB := c.Resolve(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ta.Equal(tb)
}

func (c *Calculator) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}
