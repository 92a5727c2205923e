package models

import "time"

// ReminderKind is the reminder offset relative to the booking time
type ReminderKind string

const (
	ReminderOneDayBefore    ReminderKind = "one_day_before"
	ReminderThirtyMinBefore ReminderKind = "thirty_min_before"
)

// ReminderKinds lists every kind in scheduling order
var ReminderKinds = []ReminderKind{ReminderOneDayBefore, ReminderThirtyMinBefore}

// Valid reports whether k is a known reminder kind
func (k ReminderKind) Valid() bool {
	return k == ReminderOneDayBefore || k == ReminderThirtyMinBefore
}

// Short returns the compact code used where identifiers are length limited
func (k ReminderKind) Short() string {
	switch k {
	case ReminderOneDayBefore:
		return "1d"
	case ReminderThirtyMinBefore:
		return "30m"
	}
	return string(k)
}

// ReminderKindFromShort is the inverse of ReminderKind.Short
func ReminderKindFromShort(code string) (ReminderKind, bool) {
	for _, k := range ReminderKinds {
		if k.Short() == code {
			return k, true
		}
	}
	return "", false
}

// ReminderJob is one pending reminder in the delayed task queue
type ReminderJob struct {
	JobID       string              `json:"jobId"`
	EntityID    string              `json:"entityId"`
	EntityKind  EntityKind          `json:"entityKind"`
	Kind        ReminderKind        `json:"kind"`
	FireAt      time.Time           `json:"fireAt"`
	ScheduledAt LocalDateTime       `json:"scheduledAt"`
	Parties     []Party             `json:"parties"`
	Payload     NotificationPayload `json:"payload"`
}

// Ref returns the handle used to cancel the job
func (j ReminderJob) Ref() JobRef {
	return JobRef{JobID: j.JobID, EntityID: j.EntityID, Kind: j.Kind}
}

// JobRef identifies a pending job. Backends that address jobs by entity and
// kind rather than by id rely on EntityID and Kind.
type JobRef struct {
	JobID    string       `json:"jobId"`
	EntityID string       `json:"entityId"`
	Kind     ReminderKind `json:"kind"`
}
