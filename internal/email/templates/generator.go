package templates

import (
	"fmt"

	"ms-reminders/internal/email"
	"ms-reminders/internal/models"
)

// StandardTemplateGenerator implements email.TemplateGenerator
type StandardTemplateGenerator struct {
	brandName  string
	brandColor string
}

var _ email.TemplateGenerator = (*StandardTemplateGenerator)(nil)

// NewStandardTemplateGenerator creates a new standard template generator
func NewStandardTemplateGenerator(brandName, brandColor string) *StandardTemplateGenerator {
	return &StandardTemplateGenerator{brandName: brandName, brandColor: brandColor}
}

func (g *StandardTemplateGenerator) Generate(kind email.EmailType, data email.TemplateData) (email.EmailTemplate, error) {
	reminder, entityKind, err := decodeType(kind)
	if err != nil {
		return email.EmailTemplate{}, err
	}
	if entityKind == models.EntityKindLabBooking {
		return g.labReminder(kind, reminder, data), nil
	}
	return g.appointmentReminder(kind, reminder, data), nil
}

func decodeType(kind email.EmailType) (models.ReminderKind, models.EntityKind, error) {
	var reminder models.ReminderKind
	switch kind.Action {
	case email.ActionReminderOneDay:
		reminder = models.ReminderOneDayBefore
	case email.ActionReminderThirtyMin:
		reminder = models.ReminderThirtyMinBefore
	default:
		return "", "", fmt.Errorf("%w: %s", email.ErrUnknownTemplate, kind)
	}
	switch kind.Category {
	case email.CategoryAppointment:
		return reminder, models.EntityKindAppointment, nil
	case email.CategoryLabBooking:
		return reminder, models.EntityKindLabBooking, nil
	}
	return "", "", fmt.Errorf("%w: %s", email.ErrUnknownTemplate, kind)
}
