package email

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSESAPI struct {
	input *sesv2.SendEmailInput
	err   error
}

func (m *mockSESAPI) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

func TestSESSender_SendEmail(t *testing.T) {
	api := &mockSESAPI{}
	sender := NewSESSender(api, "noreply@clinic.example", "Clinic", "reminders")

	err := sender.SendEmail(context.Background(), "p1@example.com", EmailTemplate{
		Type:    EmailAppointmentReminderOneDay,
		Subject: "Reminder",
		HTML:    "<p>html</p>",
		Text:    "text",
	})
	require.NoError(t, err)

	require.NotNil(t, api.input)
	assert.Equal(t, "Clinic <noreply@clinic.example>", aws.ToString(api.input.FromEmailAddress))
	assert.Equal(t, []string{"p1@example.com"}, api.input.Destination.ToAddresses)
	assert.Equal(t, "Reminder", aws.ToString(api.input.Content.Simple.Subject.Data))
	assert.Equal(t, "<p>html</p>", aws.ToString(api.input.Content.Simple.Body.Html.Data))
	assert.Equal(t, "text", aws.ToString(api.input.Content.Simple.Body.Text.Data))
	assert.Equal(t, "reminders", aws.ToString(api.input.ConfigurationSetName))
	assert.Equal(t, "APPOINTMENT_REMINDER_1D", aws.ToString(api.input.EmailTags[0].Value))
}

func TestSESSender_RejectedIsPermanent(t *testing.T) {
	api := &mockSESAPI{err: &sestypes.MessageRejected{Message: aws.String("address blacklisted")}}
	sender := NewSESSender(api, "noreply@clinic.example", "", "")

	err := sender.SendEmail(context.Background(), "p1@example.com", EmailTemplate{Subject: "x", HTML: "y"})
	require.Error(t, err)
	var permanent *backoff.PermanentError
	assert.True(t, errors.As(err, &permanent))
	assert.Nil(t, api.input.ConfigurationSetName)
}

func TestSESSender_ThrottlingIsRetryable(t *testing.T) {
	api := &mockSESAPI{err: &sestypes.TooManyRequestsException{Message: aws.String("slow down")}}
	sender := NewSESSender(api, "noreply@clinic.example", "", "")

	err := sender.SendEmail(context.Background(), "p1@example.com", EmailTemplate{Subject: "x", HTML: "y"})
	require.Error(t, err)
	var permanent *backoff.PermanentError
	assert.False(t, errors.As(err, &permanent))
}
