package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cch-gateway/cch-gateway/core"
)

// KeyRepo resolves bearer keys for guard.AuthStage and loads the provider
// and endpoint rows the selector/resolver operate on. One instance is
// shared across every request; gorm's *DB is safe for concurrent use.
type KeyRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewKeyRepo(db *gorm.DB, logger *zap.Logger) *KeyRepo {
	return &KeyRepo{db: db, logger: logger.With(zap.String("component", "key_repo"))}
}

// FindByRawKey implements guard.KeyLookup.
func (r *KeyRepo) FindByRawKey(ctx context.Context, raw string) (*core.Key, error) {
	var row KeyRow
	err := r.db.WithContext(ctx).Where("raw = ?", raw).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return keyFromRow(&row), nil
}

// UserRepo resolves a key's owning user for guard.AuthStage.
type UserRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewUserRepo(db *gorm.DB, logger *zap.Logger) *UserRepo {
	return &UserRepo{db: db, logger: logger.With(zap.String("component", "user_repo"))}
}

// FindByID implements guard.UserLookup.
func (r *UserRepo) FindByID(ctx context.Context, id int64) (*core.User, error) {
	var row UserRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return userFromRow(&row), nil
}

// ProviderRepo loads every non-soft-deleted provider, the candidate list
// forward.Forwarder hands to the selector on each request.
type ProviderRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewProviderRepo(db *gorm.DB, logger *zap.Logger) *ProviderRepo {
	return &ProviderRepo{db: db, logger: logger.With(zap.String("component", "provider_repo"))}
}

// ListActive returns every provider eligible to appear in a selection round.
func (r *ProviderRepo) ListActive(ctx context.Context) ([]*core.Provider, error) {
	var rows []ProviderRow
	if err := r.db.WithContext(ctx).Where("soft_deleted = ?", false).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*core.Provider, 0, len(rows))
	for i := range rows {
		out = append(out, providerFromRow(&rows[i]))
	}
	return out, nil
}

// LoadBreakerConfig implements breaker.ConfigLoader.
func (r *ProviderRepo) LoadBreakerConfig(ctx context.Context, providerID int64) (core.BreakerConfig, error) {
	var row ProviderRow
	if err := r.db.WithContext(ctx).Select("failure_threshold", "open_duration_ms", "half_open_success_threshold").
		Where("id = ?", providerID).First(&row).Error; err != nil {
		return core.BreakerConfig{}, err
	}
	return core.BreakerConfig{
		FailureThreshold:         row.FailureThreshold,
		OpenDuration:             time.Duration(row.OpenDurationMs) * time.Millisecond,
		HalfOpenSuccessThreshold: row.HalfOpenSuccessThreshold,
	}, nil
}

// EndpointRepo implements endpoint.Repo: loads the configured endpoints for
// one (vendorId, providerType) pair.
type EndpointRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewEndpointRepo(db *gorm.DB, logger *zap.Logger) *EndpointRepo {
	return &EndpointRepo{db: db, logger: logger.With(zap.String("component", "endpoint_repo"))}
}

// ListByVendorType implements endpoint.Repo.
func (r *EndpointRepo) ListByVendorType(ctx context.Context, vendorID string, pt core.ProviderType) ([]*core.ProviderEndpoint, error) {
	var rows []ProviderEndpointRow
	err := r.db.WithContext(ctx).
		Where("vendor_id = ? AND provider_type = ? AND soft_deleted = ?", vendorID, string(pt), false).
		Order("sort_order ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*core.ProviderEndpoint, 0, len(rows))
	for i := range rows {
		out = append(out, endpointFromRow(&rows[i]))
	}
	return out, nil
}

// LedgerRepo implements ratelimit.Ledger by summing the append-only
// cch_message_requests log, the database of record the rate limiter's
// periodic DB-refresh pass reconciles its Redis counters against.
type LedgerRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewLedgerRepo(db *gorm.DB, logger *zap.Logger) *LedgerRepo {
	return &LedgerRepo{db: db, logger: logger.With(zap.String("component", "ledger_repo"))}
}

// SumCost totals CostUsd for one subject's requests completed since the
// given time (the zero time means "since ever", used for the total-cost
// window). Only applies a subject column filter for the matching subject
// type (key or user), so a key's window sum never accidentally counts
// another key belonging to the same user.
func (r *LedgerRepo) SumCost(ctx context.Context, subject core.Subject, id int64, window core.Window, since time.Time) (float64, error) {
	q := r.db.WithContext(ctx).Model(&MessageRequestRow{})
	if subject == core.SubjectKey {
		q = q.Where("key_id = ?", id)
	} else {
		q = q.Where("user_id = ?", id)
	}
	if !since.IsZero() {
		q = q.Where("completed_at >= ?", since)
	}
	var total float64
	if err := q.Select("COALESCE(SUM(cost_usd), 0)").Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}
