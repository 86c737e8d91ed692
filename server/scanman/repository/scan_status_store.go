package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"extapi/server/common/infra/cache"
	"extapi/server/scanman/domain"
)

var ErrScanStatusNotFound = errors.New("scan status not found")

// ScanStatusStore keeps the latest scan status per file in the tenant's
// Redis and announces every change on the tenant's status channel.
type ScanStatusStore struct {
	router *cache.TenantRedisRouter
	ttl    time.Duration
}

func NewScanStatusStore(router *cache.TenantRedisRouter, ttl time.Duration) *ScanStatusStore {
	return &ScanStatusStore{router: router, ttl: ttl}
}

func ScanStatusKey(tenantID, fileID string) string {
	return fmt.Sprintf("scan:status:%s:%s", tenantID, fileID)
}

func ScanStatusChannel(tenantID string) string {
	return fmt.Sprintf("tenant:%s:scan-status", tenantID)
}

func (s *ScanStatusStore) Set(ctx context.Context, tenantID string, rec domain.ScanStatusRecord) error {
	client, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ScanStatusKey(tenantID, rec.FileID), b, s.ttl)
		p.Publish(ctx, ScanStatusChannel(tenantID), b)
		return nil
	})
	return err
}

func (s *ScanStatusStore) Get(ctx context.Context, tenantID, fileID string) (domain.ScanStatusRecord, error) {
	client, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return domain.ScanStatusRecord{}, err
	}
	raw, err := client.Get(ctx, ScanStatusKey(tenantID, fileID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ScanStatusRecord{}, ErrScanStatusNotFound
		}
		return domain.ScanStatusRecord{}, err
	}
	var rec domain.ScanStatusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.ScanStatusRecord{}, err
	}
	return rec, nil
}

// StatusSubscription is the receiving side of a status channel; *redis.PubSub
// implements it.
type StatusSubscription interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
	Close() error
}

// Subscribe follows the tenant's status channel. The caller closes the
// returned subscription.
func (s *ScanStatusStore) Subscribe(ctx context.Context, tenantID string) (StatusSubscription, error) {
	client, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return client.Subscribe(ctx, ScanStatusChannel(tenantID)), nil
}
