package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAvailable_SortedByVersion(t *testing.T) {
	files := fstest.MapFS{
		"002_create_notifications.sql": {Data: []byte("SELECT 1")},
		"001_create_reminder_jobs.sql": {Data: []byte("SELECT 1")},
		"README.md":                    {Data: []byte("not a migration")},
		"010_add_index_on_fire_at.sql": {Data: []byte("SELECT 1")},
	}
	m := NewMigrator(nil, files, zap.NewNop())

	got, err := m.Available()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "001", got[0].Version)
	assert.Equal(t, "create_reminder_jobs", got[0].Name)
	assert.Equal(t, "002", got[1].Version)
	assert.Equal(t, "010", got[2].Version)
	assert.Equal(t, "add_index_on_fire_at", got[2].Name)
}

func TestEmbeddedMigrations(t *testing.T) {
	m := NewMigrator(nil, Files(), zap.NewNop())

	got, err := m.Available()
	require.NoError(t, err)
	names := make([]string, 0, len(got))
	for _, migration := range got {
		names = append(names, migration.Name)
	}
	assert.Equal(t, []string{"create_reminder_jobs", "create_notifications", "create_delivered_reminders"}, names)
}

func TestFilenameParsing(t *testing.T) {
	assert.Equal(t, "001", extractVersionFromFilename("001_initial_schema.sql"))
	assert.Equal(t, "initial_schema", extractNameFromFilename("001_initial_schema.sql"))
	assert.Equal(t, "plain", extractNameFromFilename("plain.sql"))
}
