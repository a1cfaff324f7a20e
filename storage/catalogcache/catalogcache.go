// Package catalogcache decorates a sat.Repository with a read-through cache
// for the catalog queries agents issue on every conversation
// (ListMachineTypes, ListMachineModels). Machine writes drop the cached
// catalog. Cache failures are logged and never fail the call.
package catalogcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/techday/satbridge/sat"
	"github.com/techday/satbridge/storage"
)

const (
	namespace     = "catalog"
	typesKey      = "types"
	modelsKeyPref = "models:"

	// DefaultTTL bounds staleness when another process writes the database.
	DefaultTTL = time.Minute
)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.log = l }
}

// WithTTL sets how long catalog entries live. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(r *Repository) { r.ttl = ttl }
}

// Repository is a sat.Repository whose catalog reads go through a cache.
type Repository struct {
	sat.Repository

	cache storage.Cache
	ttl   time.Duration
	log   *slog.Logger
}

// New wraps repo with cache.
func New(repo sat.Repository, cache storage.Cache, opts ...Option) *Repository {
	r := &Repository{
		Repository: repo,
		cache:      cache,
		ttl:        DefaultTTL,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	return r
}

func (r *Repository) ListMachineTypes(ctx context.Context) ([]string, error) {
	var types []string
	if r.load(ctx, typesKey, &types) {
		return types, nil
	}
	types, err := r.Repository.ListMachineTypes(ctx)
	if err != nil {
		return nil, err
	}
	r.store(ctx, typesKey, types)
	return types, nil
}

func (r *Repository) ListMachineModels(ctx context.Context, machineType string) ([]sat.MachineModel, error) {
	key := modelsKeyPref + machineType
	var models []sat.MachineModel
	if r.load(ctx, key, &models) {
		return models, nil
	}
	models, err := r.Repository.ListMachineModels(ctx, machineType)
	if err != nil {
		return nil, err
	}
	r.store(ctx, key, models)
	return models, nil
}

func (r *Repository) CreateMachine(ctx context.Context, m sat.Machine) (*sat.Machine, error) {
	out, err := r.Repository.CreateMachine(ctx, m)
	if err == nil {
		r.invalidate(ctx)
	}
	return out, err
}

func (r *Repository) UpdateMachine(ctx context.Context, id string, patch sat.MachinePatch) (*sat.Machine, error) {
	out, err := r.Repository.UpdateMachine(ctx, id, patch)
	if err == nil {
		r.invalidate(ctx)
	}
	return out, err
}

func (r *Repository) DeleteMachine(ctx context.Context, id string) error {
	err := r.Repository.DeleteMachine(ctx, id)
	if err == nil {
		r.invalidate(ctx)
	}
	return err
}

// Close closes the cache and the wrapped repository.
func (r *Repository) Close() error {
	cerr := r.cache.Close()
	if err := r.Repository.Close(); err != nil {
		return err
	}
	return cerr
}

// Empty forwards to the wrapped repository when it is a sat.Importer.
func (r *Repository) Empty(ctx context.Context) (bool, error) {
	imp, ok := r.Repository.(sat.Importer)
	if !ok {
		return false, nil
	}
	return imp.Empty(ctx)
}

// Import forwards to the wrapped repository and drops the cached catalog.
func (r *Repository) Import(ctx context.Context, machines []sat.Machine, incidents []sat.Incident) error {
	imp, ok := r.Repository.(sat.Importer)
	if !ok {
		return nil
	}
	if err := imp.Import(ctx, machines, incidents); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *Repository) load(ctx context.Context, key string, dst any) bool {
	item, err := r.cache.Get(ctx, key, storage.WithNamespace(namespace))
	if err != nil {
		r.log.WarnContext(ctx, "catalogcache.get.fail", slog.String("key", key), slog.String("err", err.Error()))
		return false
	}
	if item == nil {
		r.log.DebugContext(ctx, "catalogcache.miss", slog.String("key", key))
		return false
	}
	if err := json.Unmarshal(item.Data, dst); err != nil {
		r.log.WarnContext(ctx, "catalogcache.decode.fail", slog.String("key", key), slog.String("err", err.Error()))
		return false
	}
	r.log.DebugContext(ctx, "catalogcache.hit", slog.String("key", key))
	return true
}

func (r *Repository) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.WarnContext(ctx, "catalogcache.encode.fail", slog.String("key", key), slog.String("err", err.Error()))
		return
	}
	if err := r.cache.Set(ctx, key, data, storage.WithNamespace(namespace), storage.WithTTL(r.ttl)); err != nil {
		r.log.WarnContext(ctx, "catalogcache.set.fail", slog.String("key", key), slog.String("err", err.Error()))
	}
}

func (r *Repository) invalidate(ctx context.Context) {
	if err := r.cache.Delete(ctx, storage.WithNamespace(namespace)); err != nil {
		r.log.WarnContext(ctx, "catalogcache.invalidate.fail", slog.String("err", err.Error()))
	}
}

var (
	_ sat.Repository = (*Repository)(nil)
	_ sat.Importer   = (*Repository)(nil)
)
