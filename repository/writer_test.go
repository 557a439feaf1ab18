package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cch-gateway/cch-gateway/internal/database"
	"github.com/cch-gateway/cch-gateway/respond"
)

func setupPermissiveTestDB(t *testing.T) (sqlmock.Sqlmock, *database.PoolManager) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	// HealthCheckInterval is disabled so the background ping loop doesn't
	// consume sqlmock expectations set up by individual test cases.
	poolCfg := database.DefaultPoolConfig()
	poolCfg.HealthCheckInterval = 0
	pm, err := database.NewPoolManager(gormDB, poolCfg, zap.NewNop())
	require.NoError(t, err)
	return mock, pm
}

func TestMessageRequestWriter_FlushesOnBatchSize(t *testing.T) {
	mock, pm := setupPermissiveTestDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "cch_message_requests".*`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
	mock.ExpectCommit()

	w := NewMessageRequestWriter(pm, WriterConfig{FlushInterval: time.Hour, BatchSize: 2, MaxPending: 10}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, w.Enqueue(context.Background(), respond.Bookkeeping{SessionID: "s1", CompletedAt: time.Now()}))
	require.NoError(t, w.Enqueue(context.Background(), respond.Bookkeeping{SessionID: "s2", CompletedAt: time.Now()}))

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	w.Wait()
}

func TestMessageRequestWriter_EnqueueDropsWhenFull(t *testing.T) {
	_, pm := setupPermissiveTestDB(t)

	w := NewMessageRequestWriter(pm, WriterConfig{FlushInterval: time.Hour, BatchSize: 1000, MaxPending: 1}, zap.NewNop())

	require.NoError(t, w.Enqueue(context.Background(), respond.Bookkeeping{SessionID: "s1"}))
	// Buffer capacity is 1 and nothing is draining it yet, so this must not
	// block or error; it is simply dropped.
	require.NoError(t, w.Enqueue(context.Background(), respond.Bookkeeping{SessionID: "s2"}))
	assert.Equal(t, 1, w.rows.Len())
}
