package notify

import (
	"fmt"

	"ms-reminders/internal/models"
)

// Message is the in-app notification text for one party
type Message struct {
	Title string
	Body  string
}

// Lead is the human phrasing of a reminder offset
func Lead(kind models.ReminderKind) string {
	switch kind {
	case models.ReminderOneDayBefore:
		return "tomorrow"
	case models.ReminderThirtyMinBefore:
		return "in 30 minutes"
	}
	return "soon"
}

// Compose renders the role-aware title and message for a reminder
func Compose(kind models.ReminderKind, entityKind models.EntityKind, role models.PartyRole, p models.NotificationPayload) Message {
	when := Lead(kind)
	at := p.ScheduledAt.String()

	if entityKind == models.EntityKindLabBooking {
		service := p.ServiceName
		if service == "" {
			service = "lab test"
		}
		switch role {
		case models.PartyRoleLab:
			return Message{
				Title: "Upcoming lab booking",
				Body:  fmt.Sprintf("%s is booked for %s %s (%s).", nonEmpty(p.PatientName, "A patient"), service, when, at),
			}
		default:
			body := fmt.Sprintf("Your %s at %s is %s (%s).", service, nonEmpty(p.ProviderName, "the lab"), when, at)
			if p.Location != "" {
				body += " Location: " + p.Location + "."
			}
			return Message{Title: "Lab booking reminder", Body: body}
		}
	}

	var body string
	switch role {
	case models.PartyRoleDoctor:
		body = fmt.Sprintf("You have an appointment with %s %s (%s).", nonEmpty(p.PatientName, "a patient"), when, at)
		if p.Mode == models.ModeOnline && p.MeetingLink != "" {
			body += " Meeting link: " + p.MeetingLink
		}
		return Message{Title: "Upcoming appointment", Body: body}
	default:
		body = fmt.Sprintf("Your appointment with %s is %s (%s).", nonEmpty(p.ProviderName, "your doctor"), when, at)
		switch {
		case p.Mode == models.ModeOnline && p.MeetingLink != "":
			body += " Join online: " + p.MeetingLink
		case p.Location != "":
			body += " Location: " + p.Location + "."
		}
		return Message{Title: "Appointment reminder", Body: body}
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
