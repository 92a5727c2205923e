package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ms-reminders/internal/email"
	"ms-reminders/internal/models"
	"ms-reminders/internal/telemetry"
)

type fakeSink struct {
	mu      sync.Mutex
	fail    map[string]error
	inserts map[string]Message
}

func newFakeSink() *fakeSink {
	return &fakeSink{fail: map[string]error{}, inserts: map[string]Message{}}
}

func (s *fakeSink) Insert(_ context.Context, userID, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[userID]; err != nil {
		return err
	}
	s.inserts[userID] = Message{Title: title, Body: message}
	return nil
}

type submitted struct {
	to   string
	kind email.EmailType
	role models.PartyRole
}

type fakeEmailer struct {
	mu   sync.Mutex
	fail map[string]error
	sent []submitted
}

func (e *fakeEmailer) Submit(_ context.Context, to string, kind email.EmailType, data email.TemplateData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail[to]; err != nil {
		return err
	}
	e.sent = append(e.sent, submitted{to: to, kind: kind, role: data.Role})
	return nil
}

func job() models.ReminderJob {
	return models.ReminderJob{
		JobID:      "job-1",
		EntityID:   "appt-1",
		EntityKind: models.EntityKindAppointment,
		Kind:       models.ReminderOneDayBefore,
		Parties: []models.Party{
			{PartyID: "P1", Role: models.PartyRolePatient},
			{PartyID: "D1", Role: models.PartyRoleDoctor},
		},
		Payload: models.NotificationPayload{
			PatientName:  "Ayesha",
			ProviderName: "Dr. Rahman",
			Mode:         models.ModeInPerson,
			Location:     "Clinic 4",
			ScheduledAt:  models.LocalDateTime{Date: "2025-06-15", Time: "10:00"},
			Contacts:     map[string]string{"P1": "p1@example.com", "D1": "d1@example.com"},
		},
	}
}

func TestNotify_AllParties(t *testing.T) {
	sink := newFakeSink()
	emailer := &fakeEmailer{}
	rec := telemetry.NewRecorder()
	f := NewFanout(sink, emailer, rec, zap.NewNop(), 2)

	require.NoError(t, f.Notify(context.Background(), job()))

	require.Len(t, sink.inserts, 2)
	assert.Equal(t, "Appointment reminder", sink.inserts["P1"].Title)
	assert.Contains(t, sink.inserts["P1"].Body, "Dr. Rahman is tomorrow")
	assert.Equal(t, "Upcoming appointment", sink.inserts["D1"].Title)
	assert.Contains(t, sink.inserts["D1"].Body, "Ayesha")

	assert.ElementsMatch(t, []submitted{
		{to: "p1@example.com", kind: email.EmailAppointmentReminderOneDay, role: models.PartyRolePatient},
		{to: "d1@example.com", kind: email.EmailAppointmentReminderOneDay, role: models.PartyRoleDoctor},
	}, emailer.sent)
	assert.Empty(t, rec.Failures())
}

func TestNotify_PartyWithoutContactGetsNoEmail(t *testing.T) {
	sink := newFakeSink()
	emailer := &fakeEmailer{}
	f := NewFanout(sink, emailer, telemetry.NewRecorder(), zap.NewNop(), 2)

	j := job()
	delete(j.Payload.Contacts, "D1")
	require.NoError(t, f.Notify(context.Background(), j))

	assert.Len(t, sink.inserts, 2)
	require.Len(t, emailer.sent, 1)
	assert.Equal(t, "p1@example.com", emailer.sent[0].to)
}

func TestNotify_SinkFailureIsolatedPerParty(t *testing.T) {
	sink := newFakeSink()
	sink.fail["P1"] = errors.New("connection reset")
	emailer := &fakeEmailer{}
	rec := telemetry.NewRecorder()
	f := NewFanout(sink, emailer, rec, zap.NewNop(), 2)

	err := f.Notify(context.Background(), job())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialFanout)
	var partial *PartialFanoutError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []PartyFailure{{PartyID: "P1", Channel: ChannelSink, Err: sink.fail["P1"]}}, partial.Failures)

	// the doctor is still notified on both channels and the patient still gets the email
	assert.NotContains(t, sink.inserts, "P1")
	require.Contains(t, sink.inserts, "D1")
	assert.Equal(t, "Upcoming appointment", sink.inserts["D1"].Title)
	assert.ElementsMatch(t, []submitted{
		{to: "p1@example.com", kind: email.EmailAppointmentReminderOneDay, role: models.PartyRolePatient},
		{to: "d1@example.com", kind: email.EmailAppointmentReminderOneDay, role: models.PartyRoleDoctor},
	}, emailer.sent)

	failures := rec.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "job-1", failures[0].JobID)
	assert.Equal(t, "appt-1", failures[0].EntityID)
	assert.Equal(t, "P1", failures[0].PartyID)
	assert.Equal(t, ChannelSink, failures[0].Channel)
}

func TestNotify_EmailFailureReported(t *testing.T) {
	sink := newFakeSink()
	emailer := &fakeEmailer{fail: map[string]error{"p1@example.com": email.ErrChannelFull}}
	rec := telemetry.NewRecorder()
	f := NewFanout(sink, emailer, rec, zap.NewNop(), 2)

	err := f.Notify(context.Background(), job())

	assert.ErrorIs(t, err, ErrPartialFanout)
	assert.Len(t, sink.inserts, 2)
	assert.Equal(t, []submitted{
		{to: "d1@example.com", kind: email.EmailAppointmentReminderOneDay, role: models.PartyRoleDoctor},
	}, emailer.sent)
	failures := rec.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "P1", failures[0].PartyID)
	assert.Equal(t, ChannelEmail, failures[0].Channel)
	assert.ErrorIs(t, failures[0].Err, email.ErrChannelFull)
}

func TestNotify_WithoutEmailer(t *testing.T) {
	sink := newFakeSink()
	f := NewFanout(sink, nil, telemetry.NewRecorder(), zap.NewNop(), 0)

	require.NoError(t, f.Notify(context.Background(), job()))
	assert.Len(t, sink.inserts, 2)
}

func TestCompose_LabBooking(t *testing.T) {
	p := job().Payload
	p.ServiceName = "Lipid panel"
	p.ProviderName = "City Lab"

	patient := Compose(models.ReminderThirtyMinBefore, models.EntityKindLabBooking, models.PartyRolePatient, p)
	assert.Equal(t, "Lab booking reminder", patient.Title)
	assert.Equal(t, "Your Lipid panel at City Lab is in 30 minutes (2025-06-15 10:00). Location: Clinic 4.", patient.Body)

	lab := Compose(models.ReminderThirtyMinBefore, models.EntityKindLabBooking, models.PartyRoleLab, p)
	assert.Equal(t, "Upcoming lab booking", lab.Title)
	assert.Equal(t, "Ayesha is booked for Lipid panel in 30 minutes (2025-06-15 10:00).", lab.Body)
}

func TestCompose_OnlineAppointment(t *testing.T) {
	p := job().Payload
	p.Mode = models.ModeOnline
	p.MeetingLink = "https://meet.example/x"

	msg := Compose(models.ReminderThirtyMinBefore, models.EntityKindAppointment, models.PartyRolePatient, p)
	assert.Equal(t, "Your appointment with Dr. Rahman is in 30 minutes (2025-06-15 10:00). Join online: https://meet.example/x", msg.Body)
}
