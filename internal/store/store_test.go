package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/cmdloop/internal/registry"
)

func openSQLite(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open("sqlite://" + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestOpenRejectsBadDSN(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
	_, err = Open("mysql://localhost/db")
	assert.Error(t, err)
}

func TestSQLiteEmptyIsNotFound(t *testing.T) {
	db, _ := openSQLite(t)
	st, found, err := db.Load()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, st.Programs)
}

func TestSQLiteSaveReplacesState(t *testing.T) {
	db, path := openSQLite(t)

	require.NoError(t, db.Save(registry.State{Programs: []string{"echo a", "echo b", "date"}, Interval: 5}))
	require.NoError(t, db.Save(registry.State{Programs: []string{"date", "echo a"}, Interval: 7}))

	st, found, err := db.Load()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"date", "echo a"}, st.Programs)
	assert.Equal(t, 7, st.Interval)

	require.NoError(t, db.Close())
	again, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = again.Close() }()
	st, found, err = again.Load()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"date", "echo a"}, st.Programs)
}

func TestSQLiteBacksRegistry(t *testing.T) {
	db, _ := openSQLite(t)

	r := registry.New(db, nil, registry.Options{})
	require.NoError(t, r.Load())
	require.NoError(t, r.Add("echo one"))
	require.NoError(t, r.Add("echo two"))
	require.NoError(t, r.SetInterval(3))

	r2 := registry.New(db, nil, registry.Options{})
	require.NoError(t, r2.Load())
	assert.Equal(t, []string{"echo one", "echo two"}, r2.List())
	assert.Equal(t, 3, r2.IntervalSeconds())
}

func TestPostgresState_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(connStr)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, found, err := db.Load()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.Save(registry.State{Programs: []string{"uptime", "echo hi"}, Interval: 12}))
	require.NoError(t, db.Save(registry.State{Programs: []string{"uptime", "echo hi", "date"}, Interval: 20}))

	st, found, err := db.Load()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"uptime", "echo hi", "date"}, st.Programs)
	assert.Equal(t, 20, st.Interval)
}
