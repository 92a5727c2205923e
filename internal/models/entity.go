package models

import "fmt"

// EntityKind discriminates the concrete kinds of schedulable bookings
type EntityKind string

const (
	EntityKindAppointment EntityKind = "appointment"
	EntityKindLabBooking  EntityKind = "lab_booking"
)

// Valid reports whether k is one of the known entity kinds
func (k EntityKind) Valid() bool {
	switch k {
	case EntityKindAppointment, EntityKindLabBooking:
		return true
	}
	return false
}

// EntityStatus is the booking lifecycle status as owned by the booking registry
type EntityStatus string

const (
	EntityStatusActive    EntityStatus = "active"
	EntityStatusCancelled EntityStatus = "cancelled"
	EntityStatusCompleted EntityStatus = "completed"
)

// PartyRole identifies why a party is attached to a booking
type PartyRole string

const (
	PartyRolePatient PartyRole = "patient"
	PartyRoleDoctor  PartyRole = "doctor"
	PartyRoleLab     PartyRole = "lab"
)

// Party is a user who receives reminders for a booking
type Party struct {
	PartyID string    `json:"partyId" validate:"required"`
	Role    PartyRole `json:"role" validate:"required,oneof=patient doctor lab"`
}

// LocalDateTime is a calendar date plus a local time of day with no timezone.
// It is resolved to an absolute instant in the operational timezone.
type LocalDateTime struct {
	Date string `json:"date" validate:"required"`
	Time string `json:"time" validate:"required"`
}

func (l LocalDateTime) String() string {
	return fmt.Sprintf("%s %s", l.Date, l.Time)
}

// IsZero reports whether neither date nor time is set
func (l LocalDateTime) IsZero() bool {
	return l.Date == "" && l.Time == ""
}

// NotificationPayload is the immutable snapshot of display fields used to
// render reminder messages. Contacts maps party id to an email address.
type NotificationPayload struct {
	PatientName  string            `json:"patientName"`
	ProviderName string            `json:"providerName"`
	ServiceName  string            `json:"serviceName,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	Location     string            `json:"location,omitempty"`
	MeetingLink  string            `json:"meetingLink,omitempty"`
	ScheduledAt  LocalDateTime     `json:"scheduledAt"`
	Contacts     map[string]string `json:"contacts,omitempty"`
}

const (
	ModeOnline   = "online"
	ModeInPerson = "in_person"
)

// ScheduledEntity is the booking snapshot carried by inbound entity events
type ScheduledEntity struct {
	EntityID    string              `json:"entityId" validate:"required"`
	EntityKind  EntityKind          `json:"entityKind" validate:"required,oneof=appointment lab_booking"`
	ScheduledAt LocalDateTime       `json:"scheduledAt"`
	Parties     []Party             `json:"parties" validate:"dive"`
	Status      EntityStatus        `json:"status" validate:"required,oneof=active cancelled completed"`
	Payload     NotificationPayload `json:"notificationPayload"`
}

// Active reports whether reminders should exist for the entity
func (e ScheduledEntity) Active() bool {
	return e.Status == EntityStatusActive
}

// EntityState is what the booking registry reports for an entity at fire time.
// ScheduledAt is nil when the registry does not expose the schedule.
type EntityState struct {
	EntityID    string         `json:"entityId"`
	Status      EntityStatus   `json:"status"`
	ScheduledAt *LocalDateTime `json:"scheduledAt,omitempty"`
}
