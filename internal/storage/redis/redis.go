package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tabletime/internal/config"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keySessionPrefix  = "tabletime:session:"
	keySessions       = "tabletime:sessions"
	keySessionsActive = "tabletime:sessions:active"
	keyBillPrefix     = "tabletime:bill:"
	keyBills          = "tabletime:bills"
	keyBillsByTable   = "tabletime:bills:table:"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client       *redis.Client
	sessionStore *sessionStore
	billStore    *billStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	retention, err := cfg.BillRetention()
	if err != nil {
		return nil, err
	}

	// Host may already carry the port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := &Store{
		client:       client,
		sessionStore: &sessionStore{client: client},
		billStore:    &billStore{client: client, ttl: retention},
	}

	return store, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Bills returns the BillStore implementation
func (s *Store) Bills() storage.BillStore {
	return s.billStore
}
