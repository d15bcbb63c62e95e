//go:build integration
// +build integration

package database

import (
	"context"
	"testing"
	"time"
	"validation-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func TestPostgresTaskRecords(t *testing.T) {
	ctx := context.Background()

	db, err := NewDatabase(setupPostgresContainer(t, ctx))
	require.NoError(t, err)

	createTask(t, db, "t1", types.TaskValidate)
	createTask(t, db, "t2", types.TaskAnalyze)

	ok, err := ReserveTask(ctx, db, "t1", "worker-1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, StartTask(ctx, db, "t1"))

	revoked, err := RevokeTask(ctx, db, "t2")
	require.NoError(t, err)
	assert.True(t, revoked)

	counts, err := CountTasksByStatus(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[TaskRunning])
	assert.Equal(t, int64(1), counts[TaskRevoked])

	require.NoError(t, RegisterWorker(ctx, db, "w1@host", 1, []string{types.ValidationQueue}, 1, true))
	workers, err := ListOnlineWorkers(ctx, db, time.Minute)
	require.NoError(t, err)
	assert.Len(t, workers, 1)

	// Running migrations again on an initialized database is a no-op.
	require.NoError(t, GetMigrator(db).Migrate())
}
