package store

import (
	"context"
	"errors"
	"time"

	"dripsend/internal/campaign"
)

var (
	ErrNotFound = errors.New("campaign not found")
	ErrClosed   = errors.New("store closed")
)

// Config configures campaign storage.
//
// Driver values:
//   - "file": one JSON document per campaign, atomic replace with backup
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty, "file" is assumed.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CacheTTL bounds the read-through cache. 0 applies the default (30s);
	// negative disables caching.
	CacheTTL time.Duration
}

// Store is durable campaign storage. Implementations returned by Open
// serialize all writes through a single writer and hand out deep copies, so
// callers may freely mutate what they get back.
type Store interface {
	Put(ctx context.Context, c *campaign.Campaign) error
	Get(ctx context.Context, id string) (*campaign.Campaign, error)
	List(ctx context.Context) ([]*campaign.Campaign, error)
	// Delete removes the stored record entirely. Soft deletion is a status
	// transition; this is for housekeeping of long-dead records only.
	Delete(ctx context.Context, id string) error
	Close() error
}

// driver is the raw persistence backend behind the write queue.
type driver interface {
	put(ctx context.Context, c *campaign.Campaign) error
	get(ctx context.Context, id string) (*campaign.Campaign, error)
	list(ctx context.Context) ([]*campaign.Campaign, error)
	delete(ctx context.Context, id string) error
	close() error
}
