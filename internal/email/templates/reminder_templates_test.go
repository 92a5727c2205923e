package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-reminders/internal/email"
	"ms-reminders/internal/models"
)

func payload() models.NotificationPayload {
	return models.NotificationPayload{
		PatientName:  "Ayesha Khan",
		ProviderName: "Dr. Rahman",
		Mode:         models.ModeOnline,
		MeetingLink:  "https://meet.example/abc",
		ScheduledAt:  models.LocalDateTime{Date: "2025-06-15", Time: "10:00"},
	}
}

func TestGenerate_AppointmentPatient(t *testing.T) {
	g := NewStandardTemplateGenerator("", "")

	tmpl, err := g.Generate(email.EmailAppointmentReminderOneDay, email.TemplateData{Role: models.PartyRolePatient, Payload: payload()})
	require.NoError(t, err)

	assert.Equal(t, email.EmailAppointmentReminderOneDay, tmpl.Type)
	assert.Equal(t, "Reminder: appointment tomorrow at 10:00", tmpl.Subject)
	assert.Contains(t, tmpl.HTML, "Dr. Rahman")
	assert.Contains(t, tmpl.HTML, "https://meet.example/abc")
	assert.Contains(t, tmpl.Text, "Doctor: Dr. Rahman")
	assert.Contains(t, tmpl.Text, "Join consultation: https://meet.example/abc")
}

func TestGenerate_AppointmentDoctorSeesPatient(t *testing.T) {
	g := NewStandardTemplateGenerator("", "")

	tmpl, err := g.Generate(email.EmailAppointmentReminderThirtyMin, email.TemplateData{Role: models.PartyRoleDoctor, Payload: payload()})
	require.NoError(t, err)

	assert.Equal(t, "Reminder: appointment in 30 minutes at 10:00", tmpl.Subject)
	assert.Contains(t, tmpl.Text, "Patient: Ayesha Khan")
	assert.NotContains(t, tmpl.Text, "cancel or reschedule")
}

func TestGenerate_LabBooking(t *testing.T) {
	g := NewStandardTemplateGenerator("", "")
	p := payload()
	p.Mode = models.ModeInPerson
	p.ServiceName = "Lipid panel"
	p.ProviderName = "City Lab"
	p.Location = "12 Mall Road"

	tmpl, err := g.Generate(email.EmailLabReminderOneDay, email.TemplateData{Role: models.PartyRolePatient, Payload: p})
	require.NoError(t, err)
	assert.Contains(t, tmpl.Text, "Test: Lipid panel")
	assert.Contains(t, tmpl.Text, "Location: 12 Mall Road")
	assert.Contains(t, tmpl.Text, "fasting")

	labCopy, err := g.Generate(email.EmailLabReminderOneDay, email.TemplateData{Role: models.PartyRoleLab, Payload: p})
	require.NoError(t, err)
	assert.Contains(t, labCopy.Text, "Patient: Ayesha Khan")
	assert.NotContains(t, labCopy.Text, "fasting")
}

func TestGenerate_EscapesPayload(t *testing.T) {
	g := NewStandardTemplateGenerator("", "")
	p := payload()
	p.ProviderName = "<script>alert(1)</script>"

	tmpl, err := g.Generate(email.EmailAppointmentReminderOneDay, email.TemplateData{Role: models.PartyRolePatient, Payload: p})
	require.NoError(t, err)
	assert.NotContains(t, tmpl.HTML, "<script>")
	assert.Contains(t, tmpl.HTML, "&lt;script&gt;")
}

func TestGenerate_UnknownType(t *testing.T) {
	g := NewStandardTemplateGenerator("", "")

	_, err := g.Generate(email.EmailType{Category: "SESSION", Action: email.ActionReminderOneDay}, email.TemplateData{})
	assert.ErrorIs(t, err, email.ErrUnknownTemplate)
}
