package delay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-reminders/internal/models"
)

func utc(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestCompute_BothReminders(t *testing.T) {
	calc, err := NewCalculator("UTC")
	require.NoError(t, err)

	fires, err := calc.Compute(models.LocalDateTime{Date: "2024-01-10", Time: "14:00"}, utc("2024-01-01T10:00:00"))
	require.NoError(t, err)

	assert.Len(t, fires, 2)
	assert.Equal(t, utc("2024-01-09T14:00:00"), fires[models.ReminderOneDayBefore])
	assert.Equal(t, utc("2024-01-10T13:30:00"), fires[models.ReminderThirtyMinBefore])
}

func TestCompute_SkipsPastFireTimes(t *testing.T) {
	calc, _ := NewCalculator("")
	at := models.LocalDateTime{Date: "2024-01-10", Time: "14:00"}

	fires, err := calc.Compute(at, utc("2024-01-09T20:00:00"))
	require.NoError(t, err)
	assert.NotContains(t, fires, models.ReminderOneDayBefore)
	assert.Contains(t, fires, models.ReminderThirtyMinBefore)

	// exactly at the fire time counts as past
	fires, err = calc.Compute(at, utc("2024-01-10T13:30:00"))
	require.NoError(t, err)
	assert.Empty(t, fires)
}

func TestCompute_InvalidInput(t *testing.T) {
	calc, _ := NewCalculator("UTC")

	cases := []models.LocalDateTime{
		{Date: "", Time: "14:00"},
		{Date: "2024-13-40", Time: "14:00"},
		{Date: "2024-01-10", Time: "25:99"},
		{Date: "10/01/2024", Time: "14:00"},
	}
	for _, c := range cases {
		_, err := calc.Compute(c, utc("2024-01-01T00:00:00"))
		assert.True(t, errors.Is(err, ErrInvalidTimeFormat), "input %v", c)
	}
}

func TestResolve_OperationalTimezone(t *testing.T) {
	calc, err := NewCalculator("Asia/Karachi")
	require.NoError(t, err)

	got, err := calc.Resolve(models.LocalDateTime{Date: "2024-01-10", Time: "2:00 PM"})
	require.NoError(t, err)
	assert.Equal(t, utc("2024-01-10T09:00:00"), got)
}

func TestCompute_AbsoluteArithmeticAcrossDST(t *testing.T) {
	calc, err := NewCalculator("America/New_York")
	require.NoError(t, err)

	// DST starts 2024-03-10 02:00 local; 24h before 09:00 EDT is 08:00 EST wall time
	fires, err := calc.Compute(models.LocalDateTime{Date: "2024-03-10", Time: "09:00"}, utc("2024-03-01T00:00:00"))
	require.NoError(t, err)
	assert.Equal(t, utc("2024-03-09T13:00:00"), fires[models.ReminderOneDayBefore])
}

func TestNewCalculator_UnknownZone(t *testing.T) {
	_, err := NewCalculator("Mars/Olympus")
	assert.Error(t, err)
}

func TestOffset(t *testing.T) {
	d, ok := Offset(models.ReminderOneDayBefore)
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, d)

	d, ok = Offset(models.ReminderThirtyMinBefore)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, d)

	_, ok = Offset(models.ReminderKind("one_week_before"))
	assert.False(t, ok)
}
