// Package store assembles the per-database sub-stores and keeps a registry
// of every configured store.
//
// One Store owns one pgx pool and the outbox, inbox, join and semaphore
// stores built on it. Connection strings come from the secrets provider so
// database credentials never sit in config files.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"go.gantry.dev/internal/common/fault"
	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/inbox"
	"go.gantry.dev/internal/join"
	"go.gantry.dev/internal/lease"
	"go.gantry.dev/internal/lock"
	"go.gantry.dev/internal/outbox"
	"go.gantry.dev/internal/semaphore"
	"go.gantry.dev/internal/workqueue"
)

// Config holds settings for one message store.
type Config struct {
	// Name identifies the store in routing, metrics and logs.
	Name string

	// Schema is the Postgres schema holding the tables.
	Schema string

	// DSN is the connection string. Usually resolved through the secrets
	// provider rather than set directly.
	DSN string

	// MaxConns caps the pool size. 0 keeps the pgx default.
	MaxConns int32

	// Limits bound the work-queue claim parameters for this store.
	Limits workqueue.Limits
}

// Store is one database with its sub-stores.
type Store struct {
	Name   string
	ID     id.DatabaseID
	Schema string
	Pool   *pgxpool.Pool

	Outbox     *outbox.Store
	Inbox      *inbox.Store
	Joins      *join.Store
	Semaphores *semaphore.Store
	Leases     *lease.PostgresStore
	Locks      *lock.Lock
}

// Open connects the pool and builds the sub-stores. instance is stamped into
// processed_by on completions.
func Open(ctx context.Context, config Config, instance string) (*Store, error) {
	if config.Name == "" {
		return nil, fault.Invalidf("store name must not be empty")
	}
	if config.DSN == "" {
		return nil, fault.Invalidf("store %q has no connection string", config.Name)
	}
	if config.Schema == "" {
		config.Schema = "gantry"
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("store %q: parse dsn: %w", config.Name, err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store %q: connect: %w", config.Name, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store %q: ping: %w", config.Name, err)
	}

	joins := join.NewStore(pool, config.Schema)
	return &Store{
		Name:   config.Name,
		ID:     id.DatabaseIDFor(config.Name),
		Schema: config.Schema,
		Pool:   pool,
		Joins:  joins,
		Outbox: outbox.NewStore(pool, joins, outbox.Config{
			Name:     config.Name,
			Schema:   config.Schema,
			Instance: instance,
			Limits:   config.Limits,
		}),
		Inbox: inbox.NewStore(pool, inbox.Config{
			Name:   config.Name,
			Schema: config.Schema,
			Limits: config.Limits,
		}),
		Semaphores: semaphore.NewStore(pool, config.Schema),
		Leases:     lease.NewPostgresStore(pool, config.Schema),
		Locks:      lock.New(pool, config.Schema),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// Registry holds the configured stores by name.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Add registers a store. Names are unique.
func (r *Registry) Add(s *Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stores[s.Name]; exists {
		return fault.Invalidf("store %q already registered", s.Name)
	}
	r.stores[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// Get returns the named store.
func (r *Registry) Get(name string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	return s, ok
}

// All returns the stores in registration order.
func (r *Registry) All() []*Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Store, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.stores[name])
	}
	return out
}

// CloseAll closes every pool.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, s := range r.stores {
		s.Close()
		slog.Info("Store closed", "store", name)
	}
	r.stores = make(map[string]*Store)
	r.order = nil
}
