package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
)

// Redis keyspace, per spec §6 "Persisted state layout".
const (
	keyProviderState   = "cch:cb:provider:%d"
	keyEndpointState   = "cch:cb:endpoint:%d"
	keyVendorTypeState = "cch:cb:vendorType:%s:%s"

	channelConfigUpdated = "cch:cache:circuit_breaker_config:updated"
)

// Store persists circuit breaker state and fuse state to Redis and
// broadcasts config invalidation over pub/sub. It is the single source of
// truth for any state other than "closed" (spec §4.1 "Storage").
type Store struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{redis: client, logger: logger.With(zap.String("component", "breaker_store"))}
}

func (s *Store) LoadProviderState(ctx context.Context, providerID int64) (*core.CircuitBreakerState, error) {
	return s.load(ctx, fmt.Sprintf(keyProviderState, providerID))
}

func (s *Store) SaveProviderState(ctx context.Context, providerID int64, st *core.CircuitBreakerState) error {
	return s.save(ctx, fmt.Sprintf(keyProviderState, providerID), st)
}

func (s *Store) LoadEndpointState(ctx context.Context, endpointID int64) (*core.CircuitBreakerState, error) {
	return s.load(ctx, fmt.Sprintf(keyEndpointState, endpointID))
}

func (s *Store) SaveEndpointState(ctx context.Context, endpointID int64, st *core.CircuitBreakerState) error {
	return s.save(ctx, fmt.Sprintf(keyEndpointState, endpointID), st)
}

func (s *Store) LoadFuse(ctx context.Context, vendorID string, pt core.ProviderType) (*core.VendorTypeFuse, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf(keyVendorTypeState, vendorID, pt)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var fuse core.VendorTypeFuse
	if err := json.Unmarshal(data, &fuse); err != nil {
		return nil, err
	}
	return &fuse, nil
}

func (s *Store) SaveFuse(ctx context.Context, vendorID string, pt core.ProviderType, fuse *core.VendorTypeFuse) error {
	data, err := json.Marshal(fuse)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf(keyVendorTypeState, vendorID, pt), data, 0).Err()
}

func (s *Store) load(ctx context.Context, key string) (*core.CircuitBreakerState, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var st core.CircuitBreakerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) save(ctx context.Context, key string, st *core.CircuitBreakerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, 0).Err()
}

// PublishConfigUpdated broadcasts an invalidation for one provider's
// breaker config, per spec §4.1 "Config invalidation is broadcast via a
// Redis pub/sub channel".
func (s *Store) PublishConfigUpdated(ctx context.Context, providerID int64) error {
	return s.redis.Publish(ctx, channelConfigUpdated, fmt.Sprintf("%d", providerID)).Err()
}

// SubscribeConfigUpdated returns a channel of provider ids whose breaker
// config changed. The caller should bump that provider's version counter.
func (s *Store) SubscribeConfigUpdated(ctx context.Context) <-chan string {
	sub := s.redis.Subscribe(ctx, channelConfigUpdated)
	out := make(chan string, 16)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					s.logger.Warn("dropping config invalidation, subscriber slow")
				}
			}
		}
	}()
	return out
}

// saveAsync is the fire-and-forget helper described in spec §9
// "Fire-and-forget Redis writes" — logs on error, never propagates, and
// must never be used for the lease reconciliation path.
func saveAsync(logger *zap.Logger, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn("async circuit breaker persistence failed", zap.Error(err))
		}
	}()
}
