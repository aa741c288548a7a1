package repository

import (
	"context"
	"time"

	"github.com/AzielCF/az-bridge/infrastructure/valkey"
)

// ValkeyDedupStore shares dedup keys between gateway replicas with SET NX EX.
type ValkeyDedupStore struct {
	client *valkey.Client
	prefix string
}

func NewValkeyDedupStore(client *valkey.Client) *ValkeyDedupStore {
	return &ValkeyDedupStore{
		client: client,
		prefix: client.Key("dedup") + ":",
	}
}

func (s *ValkeyDedupStore) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	created, err := s.client.SetNX(ctx, s.prefix+key, "1", ttl)
	if err != nil {
		return false, err
	}
	return !created, nil
}

func (s *ValkeyDedupStore) Forget(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key)
}
