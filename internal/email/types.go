package email

import (
	"fmt"

	"ms-reminders/internal/models"
)

// EmailCategory represents the main category of the email
type EmailCategory string

const (
	CategoryAppointment EmailCategory = "APPOINTMENT"
	CategoryLabBooking  EmailCategory = "LAB_BOOKING"
)

// EmailAction represents the reminder offset that triggered the email
type EmailAction string

const (
	ActionReminderOneDay    EmailAction = "REMINDER_1D"
	ActionReminderThirtyMin EmailAction = "REMINDER_30M"
)

// EmailType represents a specific type of email combining category and action.
// It is the template kind handed to the dispatcher.
type EmailType struct {
	Category EmailCategory
	Action   EmailAction
}

var (
	EmailAppointmentReminderOneDay    = EmailType{CategoryAppointment, ActionReminderOneDay}
	EmailAppointmentReminderThirtyMin = EmailType{CategoryAppointment, ActionReminderThirtyMin}
	EmailLabReminderOneDay            = EmailType{CategoryLabBooking, ActionReminderOneDay}
	EmailLabReminderThirtyMin         = EmailType{CategoryLabBooking, ActionReminderThirtyMin}
)

// ReminderEmailType maps a reminder to its template kind
func ReminderEmailType(kind models.ReminderKind, entityKind models.EntityKind) (EmailType, error) {
	var t EmailType
	switch entityKind {
	case models.EntityKindAppointment:
		t.Category = CategoryAppointment
	case models.EntityKindLabBooking:
		t.Category = CategoryLabBooking
	default:
		return t, fmt.Errorf("%w: entity kind %q", ErrUnknownTemplate, entityKind)
	}
	switch kind {
	case models.ReminderOneDayBefore:
		t.Action = ActionReminderOneDay
	case models.ReminderThirtyMinBefore:
		t.Action = ActionReminderThirtyMin
	default:
		return t, fmt.Errorf("%w: reminder kind %q", ErrUnknownTemplate, kind)
	}
	return t, nil
}

// TemplateData is everything a reminder template renders from
type TemplateData struct {
	Role    models.PartyRole
	Payload models.NotificationPayload
}

// EmailTemplate represents a complete email template with subject and body
type EmailTemplate struct {
	Type    EmailType
	Subject string
	HTML    string
	Text    string // Plain text version (optional)
}

// String returns a human-readable representation of the email type
func (et EmailType) String() string {
	return string(et.Category) + "_" + string(et.Action)
}
