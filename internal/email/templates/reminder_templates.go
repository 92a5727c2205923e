package templates

import (
	"fmt"

	"ms-reminders/internal/email"
	"ms-reminders/internal/email/builders"
	"ms-reminders/internal/models"
	"ms-reminders/internal/notify"
)

func (g *StandardTemplateGenerator) appointmentReminder(kind email.EmailType, reminder models.ReminderKind, data email.TemplateData) email.EmailTemplate {
	p := data.Payload
	msg := notify.Compose(reminder, models.EntityKindAppointment, data.Role, p)
	builder := builders.NewEmailBuilder(g.brandName, g.brandColor)

	builder.SetHeader(msg.Title, "Your appointment is "+notify.Lead(reminder))
	builder.AddInfoBox(msg.Body, boxFor(reminder))

	counterpart := builders.Detail{Label: "Doctor", Value: p.ProviderName}
	if data.Role == models.PartyRoleDoctor {
		counterpart = builders.Detail{Label: "Patient", Value: p.PatientName}
	}
	details := []builders.Detail{
		counterpart,
		{Label: "Date", Value: p.ScheduledAt.Date},
		{Label: "Time", Value: p.ScheduledAt.Time},
		{Label: "Mode", Value: modeLabel(p.Mode)},
	}
	if p.Mode != models.ModeOnline {
		details = append(details, builders.Detail{Label: "Location", Value: p.Location})
	}
	builder.AddDetailsList(details)

	if p.Mode == models.ModeOnline && p.MeetingLink != "" {
		builder.AddButton("Join consultation", p.MeetingLink)
	}
	if data.Role != models.PartyRoleDoctor {
		builder.AddParagraph("If you can no longer attend, please cancel or reschedule from the app so the slot can be offered to someone else.")
	}

	return email.EmailTemplate{
		Type:    kind,
		Subject: fmt.Sprintf("Reminder: appointment %s at %s", notify.Lead(reminder), p.ScheduledAt.Time),
		HTML:    builder.Build(),
		Text:    builder.BuildText(),
	}
}

func (g *StandardTemplateGenerator) labReminder(kind email.EmailType, reminder models.ReminderKind, data email.TemplateData) email.EmailTemplate {
	p := data.Payload
	msg := notify.Compose(reminder, models.EntityKindLabBooking, data.Role, p)
	builder := builders.NewEmailBuilder(g.brandName, g.brandColor)

	builder.SetHeader(msg.Title, "Your lab booking is "+notify.Lead(reminder))
	builder.AddInfoBox(msg.Body, boxFor(reminder))

	details := []builders.Detail{
		{Label: "Test", Value: p.ServiceName},
		{Label: "Date", Value: p.ScheduledAt.Date},
		{Label: "Time", Value: p.ScheduledAt.Time},
	}
	if data.Role == models.PartyRoleLab {
		details = append([]builders.Detail{{Label: "Patient", Value: p.PatientName}}, details...)
	} else {
		details = append(details,
			builders.Detail{Label: "Lab", Value: p.ProviderName},
			builders.Detail{Label: "Location", Value: p.Location})
	}
	builder.AddDetailsList(details)

	if data.Role != models.PartyRoleLab && reminder == models.ReminderOneDayBefore {
		builder.AddParagraph("Some tests require fasting. Check the preparation instructions for your test before you arrive.")
	}

	return email.EmailTemplate{
		Type:    kind,
		Subject: fmt.Sprintf("Reminder: lab booking %s at %s", notify.Lead(reminder), p.ScheduledAt.Time),
		HTML:    builder.Build(),
		Text:    builder.BuildText(),
	}
}

func boxFor(reminder models.ReminderKind) string {
	if reminder == models.ReminderThirtyMinBefore {
		return "warning"
	}
	return "info"
}

func modeLabel(mode string) string {
	switch mode {
	case models.ModeOnline:
		return "Online"
	case models.ModeInPerson:
		return "In person"
	}
	return mode
}
