package migrate

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMigrator implements the migrator interface for testing.
type mockMigrator struct {
	upErr      error
	downErr    error
	stepsErr   error
	steps      int
	versionVal uint
	dirty      bool
	versionErr error
}

func (m *mockMigrator) Up() error   { return m.upErr }
func (m *mockMigrator) Down() error { return m.downErr }
func (m *mockMigrator) Steps(n int) error {
	m.steps = n
	return m.stepsErr
}

func (m *mockMigrator) Version() (version uint, dirty bool, err error) {
	return m.versionVal, m.dirty, m.versionErr
}

func useMigrator(t *testing.T, m migrator, err error) {
	t.Helper()
	orig := migratorFactory
	t.Cleanup(func() { migratorFactory = orig })
	migratorFactory = func(*sql.DB) (migrator, error) { return m, err }
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{
		"000001_experiences.down.sql",
		"000001_experiences.up.sql",
		"000002_experience_keywords.down.sql",
		"000002_experience_keywords.up.sql",
		"000003_ai_settings.down.sql",
		"000003_ai_settings.up.sql",
	}, names)

	for _, name := range names {
		content, err := migrations.ReadFile("migrations/" + name)
		require.NoError(t, err)
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			assert.Contains(t, string(content), "CREATE TABLE", name)
		default:
			assert.Contains(t, string(content), "DROP TABLE", name)
		}
	}
}

func TestMigrationSchemaMatchesStore(t *testing.T) {
	content, err := migrations.ReadFile("migrations/000001_experiences.up.sql")
	require.NoError(t, err)
	schema := string(content)

	assert.Contains(t, schema, "CREATE EXTENSION IF NOT EXISTS vector")
	for _, col := range []string{
		"title", "problem_description", "root_cause", "solution", "context",
		"status", "query_count", "relevance_score", "embedding", "created_at", "updated_at",
	} {
		assert.Contains(t, schema, "\n    "+col+" ", col)
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name       string
		m          *mockMigrator
		factoryErr error
		wantErr    string
	}{
		{name: "success", m: &mockMigrator{versionVal: 3}},
		{name: "no change", m: &mockMigrator{upErr: migrate.ErrNoChange, versionVal: 3}},
		{name: "nil version", m: &mockMigrator{versionErr: migrate.ErrNilVersion}},
		{name: "dirty", m: &mockMigrator{versionVal: 2, dirty: true}},
		{name: "up error", m: &mockMigrator{upErr: errors.New("up failed")}, wantErr: "running migrations"},
		{name: "version error", m: &mockMigrator{versionErr: errors.New("boom")}, wantErr: "getting migration version"},
		{name: "factory error", factoryErr: errors.New("factory failed"), wantErr: "factory failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m migrator
			if tt.m != nil {
				m = tt.m
			}
			useMigrator(t, m, tt.factoryErr)

			err := Run(nil, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVersion(t *testing.T) {
	useMigrator(t, &mockMigrator{versionVal: 3, dirty: true}, nil)
	v, dirty, err := Version(nil)
	require.NoError(t, err)
	assert.Equal(t, uint(3), v)
	assert.True(t, dirty)

	useMigrator(t, nil, errors.New("factory failed"))
	_, _, err = Version(nil)
	assert.Error(t, err)
}

func TestDown(t *testing.T) {
	useMigrator(t, &mockMigrator{downErr: migrate.ErrNoChange}, nil)
	assert.NoError(t, Down(nil))

	useMigrator(t, &mockMigrator{downErr: errors.New("locked")}, nil)
	err := Down(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolling back migrations")
}

func TestSteps(t *testing.T) {
	m := &mockMigrator{}
	useMigrator(t, m, nil)
	require.NoError(t, Steps(nil, -1))
	assert.Equal(t, -1, m.steps)

	useMigrator(t, &mockMigrator{stepsErr: errors.New("no migration")}, nil)
	err := Steps(nil, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stepping migrations")
}
