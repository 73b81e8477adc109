package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	cfgpkg "github.com/histore/histore/internal/config"
	"github.com/histore/histore/internal/history"
	"github.com/histore/histore/internal/realm"
	pebblestore "github.com/histore/histore/internal/storage/pebble"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Runtime owns the database handle, the effective configuration and the set
// of open history caches.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config

	mu     sync.Mutex
	caches map[cacheKey]*history.Cache
}

type cacheKey struct {
	realm   string
	guildID uint64
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval})
	if err != nil {
		return nil, err
	}
	return &Runtime{db: db, config: opts.Config, caches: map[cacheKey]*history.Cache{}}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage round-trip.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// EnsureRealm creates a realm record if absent.
func (r *Runtime) EnsureRealm(name string) (realm.Meta, error) {
	return realm.EnsureRealm(r.db, name)
}

// GetRealm returns the realm meta when present.
func (r *Runtime) GetRealm(name string) (realm.Meta, bool, error) {
	return realm.Get(r.db, name)
}

// ListRealms lists known realm names.
func (r *Runtime) ListRealms() ([]string, error) {
	return realm.List(r.db)
}

// OpenCache returns the shared history cache for one (realm, guild). Repeated
// calls return the same instance so listener registrations converge on one
// registry.
func (r *Runtime) OpenCache(realmName string, guildID uint64) *history.Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := cacheKey{realm: realmName, guildID: guildID}
	if c, ok := r.caches[k]; ok {
		return c
	}
	c := history.OpenCache(r.db, realmName, guildID)
	r.caches[k] = c
	return c
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
