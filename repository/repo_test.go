package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cch-gateway/cch-gateway/core"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func TestKeyRepo_FindByRawKey_NotFound(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT \* FROM "cch_keys"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewKeyRepo(gormDB, zap.NewNop())
	key, err := repo.FindByRawKey(context.Background(), "sk-missing")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestKeyRepo_FindByRawKey_Found(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"id", "user_id", "raw", "enabled", "limit_usd_daily"}).
		AddRow(1, 7, "sk-abc", true, 5.0)
	mock.ExpectQuery(`SELECT \* FROM "cch_keys"`).WillReturnRows(rows)

	repo := NewKeyRepo(gormDB, zap.NewNop())
	key, err := repo.FindByRawKey(context.Background(), "sk-abc")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, int64(7), key.UserID)
	assert.True(t, key.Enabled)
}

func TestUserRepo_FindByID(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"id", "name", "role", "is_enabled"}).
		AddRow(7, "alice", "user", true)
	mock.ExpectQuery(`SELECT \* FROM "cch_users"`).WillReturnRows(rows)

	repo := NewUserRepo(gormDB, zap.NewNop())
	user, err := repo.FindByID(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Name)
	assert.True(t, user.IsEnabled)
}

func TestProviderRepo_ListActive(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"id", "name", "vendor_id", "type", "weight", "priority", "soft_deleted"}).
		AddRow(1, "primary", "vendorA", "claude", 100, 50, false).
		AddRow(2, "secondary", "vendorB", "codex", 50, 100, false)
	mock.ExpectQuery(`SELECT \* FROM "cch_providers" WHERE soft_deleted = \$1`).WillReturnRows(rows)

	repo := NewProviderRepo(gormDB, zap.NewNop())
	providers, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "primary", providers[0].Name)
}

func TestProviderRepo_LoadBreakerConfig(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"failure_threshold", "open_duration_ms", "half_open_success_threshold"}).
		AddRow(5, int64(30000), 2)
	mock.ExpectQuery(`SELECT .*FROM "cch_providers" WHERE id = \$1`).WillReturnRows(rows)

	repo := NewProviderRepo(gormDB, zap.NewNop())
	cfg, err := repo.LoadBreakerConfig(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.OpenDuration)
}

func TestLedgerRepo_SumCost(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"coalesce"}).AddRow(12.5)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(cost_usd\), 0\) FROM "cch_message_requests" WHERE key_id = \$1 AND completed_at >= \$2`).
		WillReturnRows(rows)

	repo := NewLedgerRepo(gormDB, zap.NewNop())
	total, err := repo.SumCost(context.Background(), core.SubjectKey, 1, core.WindowDaily, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 12.5, total, 0.0001)
}

func TestEndpointRepo_ListByVendorType(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"id", "vendor_id", "provider_type", "url", "sort_order", "weight", "is_enabled", "soft_deleted"}).
		AddRow(10, "vendorA", "claude", "https://a.example.com", 0, 100, true, false)
	mock.ExpectQuery(`SELECT \* FROM "cch_provider_endpoints"`).WillReturnRows(rows)

	repo := NewEndpointRepo(gormDB, zap.NewNop())
	endpoints, err := repo.ListByVendorType(context.Background(), "vendorA", "claude")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "https://a.example.com", endpoints[0].URL)
}
