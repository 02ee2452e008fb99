// Package strategystore resolves strategy JSON documents by id.
package strategystore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// keyPrefix namespaces strategy documents in Redis.
const keyPrefix = "strategy:doc:"

// Redis fetches strategy documents stored as JSON strings under
// strategy:doc:<id>. Implements model.StrategyStore.
type Redis struct {
	client *goredis.Client
}

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and pings the server.
func NewRedis(cfg Config) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("strategystore: redis ping: %w", err)
	}

	log.Printf("[strategystore] connected to %s", cfg.Addr)
	return &Redis{client: client}, nil
}

// FetchStrategy returns the raw strategy document for an id.
func (r *Redis) FetchStrategy(ctx context.Context, strategyID string) ([]byte, error) {
	doc, err := r.client.Get(ctx, keyPrefix+strategyID).Bytes()
	if err == goredis.Nil {
		return nil, fmt.Errorf("strategystore: strategy %s not found", strategyID)
	}
	if err != nil {
		return nil, fmt.Errorf("strategystore: fetch %s: %w", strategyID, err)
	}
	return doc, nil
}

// StoreStrategy writes a strategy document (used by tooling and tests).
func (r *Redis) StoreStrategy(ctx context.Context, strategyID string, doc []byte) error {
	if err := r.client.Set(ctx, keyPrefix+strategyID, doc, 0).Err(); err != nil {
		return fmt.Errorf("strategystore: store %s: %w", strategyID, err)
	}
	return nil
}

// Close releases the connection.
func (r *Redis) Close() error { return r.client.Close() }

// Dir serves strategy documents from <dir>/<id>.json files. Backtest CLI
// convenience, no Redis required.
type Dir struct {
	root string
}

func NewDir(root string) *Dir { return &Dir{root: root} }

func (d *Dir) FetchStrategy(ctx context.Context, strategyID string) ([]byte, error) {
	path := filepath.Join(d.root, strategyID+".json")
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("strategystore: read %s: %w", path, err)
	}
	return doc, nil
}
