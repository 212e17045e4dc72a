package config

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/floodgate/pkg/keyspace"
	"github.com/cuemby/floodgate/pkg/log"
	"github.com/cuemby/floodgate/pkg/metrics"
	"github.com/cuemby/floodgate/pkg/store"
	"github.com/cuemby/floodgate/pkg/types"
)

const (
	// DefaultCacheTTL keeps resolved limits hot briefly; cross-process
	// config changes become visible within this window.
	DefaultCacheTTL = 2 * time.Second
	// DefaultCacheSize bounds the per-namespace resolver cache.
	DefaultCacheSize = 4096

	systemCacheKey = "\x00system"
)

// Resolver computes the effective limits for (entity, resource) pairs in
// one namespace by layering per-entity, per-resource and system configs.
// Each namespace view owns its resolver so cache keys never cross tenants.
type Resolver struct {
	gw     *store.Gateway
	nsID   string
	cache  *expirable.LRU[string, types.EffectiveLimits]
	group  singleflight.Group
	logger zerolog.Logger
}

// NewResolver builds a resolver for one namespace. Zero size and ttl get
// the defaults.
func NewResolver(gw *store.Gateway, nsID string, size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		gw:     gw,
		nsID:   nsID,
		cache:  expirable.NewLRU[string, types.EffectiveLimits](size, nil, ttl),
		logger: log.WithComponent("config"),
	}
}

// Resolve returns the effective limits and on-unavailable policy for
// (entityID, resource).
//
// Explicit limits without useStored short-circuit: they are effective for
// this call only and nothing is read from the store. Otherwise the stored
// hierarchy applies, most specific scope first; explicit limits then serve
// only as the fallback when no scope has a record. An empty Limits slice
// in the result means nothing resolved anywhere; the caller maps that to
// its limits-unavailable handling using the returned policy.
func (r *Resolver) Resolve(ctx context.Context, entityID, resource string, explicit []types.Limit, useStored bool) (types.EffectiveLimits, error) {
	if len(explicit) > 0 && !useStored {
		return types.EffectiveLimits{
			Limits:        explicit,
			OnUnavailable: types.OnUnavailableDeny,
			Source:        types.SourceExplicit,
		}, nil
	}

	eff, err := r.stored(ctx, entityID, resource)
	if err != nil {
		return types.EffectiveLimits{}, err
	}
	if len(eff.Limits) == 0 && len(explicit) > 0 {
		eff.Limits = explicit
		eff.Source = types.SourceExplicit
	}
	return eff, nil
}

// stored resolves from the store with the bounded cache and singleflight
// in front. Negative results ("nothing configured") are cached too.
func (r *Resolver) stored(ctx context.Context, entityID, resource string) (types.EffectiveLimits, error) {
	key := entityID + "\x00" + resource
	if eff, ok := r.cache.Get(key); ok {
		metrics.CacheLookupsTotal.WithLabelValues("config", "hit").Inc()
		return eff, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("config", "miss").Inc()

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		eff, err := r.lookup(ctx, entityID, resource)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, eff)
		return eff, nil
	})
	if err != nil {
		return types.EffectiveLimits{}, err
	}
	return v.(types.EffectiveLimits), nil
}

func (r *Resolver) lookup(ctx context.Context, entityID, resource string) (types.EffectiveLimits, error) {
	scopes := []struct {
		key    store.Key
		source string
	}{
		{store.Key{PK: keyspace.EntityPK(r.nsID, entityID), SK: keyspace.EntityConfigSK(resource)}, types.SourceEntity},
		{store.Key{PK: keyspace.ResourcePK(r.nsID, resource), SK: keyspace.ResourceConfigSK()}, types.SourceResource},
		{store.Key{PK: keyspace.SystemPK(r.nsID), SK: keyspace.SystemConfigSK()}, types.SourceSystem},
	}

	eff := types.EffectiveLimits{OnUnavailable: types.OnUnavailableDeny}
	for _, scope := range scopes {
		rec, found, err := r.gw.GetConfig(ctx, scope.key)
		if err != nil {
			return types.EffectiveLimits{}, err
		}
		if !found || len(rec.Limits) == 0 {
			// A scope with only a policy still contributes it.
			if found && rec.OnUnavailable != "" && eff.Source == "" {
				eff.OnUnavailable = rec.OnUnavailable
			}
			continue
		}
		eff.Limits = rec.Limits
		eff.Source = scope.source
		if rec.OnUnavailable != "" {
			eff.OnUnavailable = rec.OnUnavailable
			return eff, nil
		}
		// The winning scope has no policy of its own; the system scope's
		// policy still applies.
		if scope.source != types.SourceSystem {
			sys, err := r.systemPolicy(ctx)
			if err != nil {
				return types.EffectiveLimits{}, err
			}
			if sys != "" {
				eff.OnUnavailable = sys
			}
		}
		return eff, nil
	}
	return eff, nil
}

func (r *Resolver) systemPolicy(ctx context.Context) (types.OnUnavailable, error) {
	if eff, ok := r.cache.Get(systemCacheKey); ok {
		return eff.OnUnavailable, nil
	}
	rec, found, err := r.gw.GetConfig(ctx, store.Key{PK: keyspace.SystemPK(r.nsID), SK: keyspace.SystemConfigSK()})
	if err != nil {
		return "", err
	}
	policy := types.OnUnavailable("")
	if found {
		policy = rec.OnUnavailable
	}
	r.cache.Add(systemCacheKey, types.EffectiveLimits{OnUnavailable: policy})
	return policy, nil
}

func validateLimits(limits []types.Limit) error {
	if len(limits) == 0 {
		return &types.ValidationError{Field: "limits", Value: "", Reason: "must not be empty"}
	}
	seen := map[string]bool{}
	for _, l := range limits {
		if err := l.Validate(); err != nil {
			return err
		}
		if seen[l.Name] {
			return &types.ValidationError{Field: "limit_name", Value: l.Name, Reason: "duplicate limit name"}
		}
		seen[l.Name] = true
	}
	return nil
}

// SetEntityLimits stores per-entity-per-resource limits and invalidates
// the local cache entry. Other processes converge via cache TTL.
func (r *Resolver) SetEntityLimits(ctx context.Context, entityID, resource string, limits []types.Limit) error {
	if err := validateLimits(limits); err != nil {
		return err
	}
	err := r.gw.PutConfig(ctx, &store.ConfigItem{
		PK:          keyspace.EntityPK(r.nsID, entityID),
		SK:          keyspace.EntityConfigSK(resource),
		Limits:      limits,
		EntityID:    entityID,
		NamespaceID: r.nsID,
	}, false)
	if err != nil {
		return err
	}
	r.Invalidate(entityID, resource)
	return nil
}

// GetEntityLimits reads the per-entity-per-resource record, bypassing the
// cache so callers see their own writes.
func (r *Resolver) GetEntityLimits(ctx context.Context, entityID, resource string) ([]types.Limit, bool, error) {
	rec, found, err := r.gw.GetConfig(ctx, store.Key{
		PK: keyspace.EntityPK(r.nsID, entityID),
		SK: keyspace.EntityConfigSK(resource),
	})
	if err != nil || !found {
		return nil, false, err
	}
	return rec.Limits, true, nil
}

// DeleteEntityLimits removes the per-entity-per-resource record.
func (r *Resolver) DeleteEntityLimits(ctx context.Context, entityID, resource string) error {
	err := r.gw.Delete(ctx, store.Key{
		PK: keyspace.EntityPK(r.nsID, entityID),
		SK: keyspace.EntityConfigSK(resource),
	})
	if err != nil {
		return err
	}
	r.Invalidate(entityID, resource)
	return nil
}

// SetResourceDefaults stores namespace-wide per-resource limits.
func (r *Resolver) SetResourceDefaults(ctx context.Context, resource string, limits []types.Limit) error {
	if err := validateLimits(limits); err != nil {
		return err
	}
	err := r.gw.PutConfig(ctx, &store.ConfigItem{
		PK:     keyspace.ResourcePK(r.nsID, resource),
		SK:     keyspace.ResourceConfigSK(),
		Limits: limits,
	}, false)
	if err != nil {
		return err
	}
	r.cache.Purge()
	return nil
}

// GetResourceDefaults reads the per-resource record.
func (r *Resolver) GetResourceDefaults(ctx context.Context, resource string) ([]types.Limit, bool, error) {
	rec, found, err := r.gw.GetConfig(ctx, store.Key{
		PK: keyspace.ResourcePK(r.nsID, resource),
		SK: keyspace.ResourceConfigSK(),
	})
	if err != nil || !found {
		return nil, false, err
	}
	return rec.Limits, true, nil
}

// SetSystemDefaults stores the namespace's system default limits and
// optional on-unavailable policy.
// A record with a policy but no limits is allowed; it makes the namespace
// fail open without imposing defaults.
func (r *Resolver) SetSystemDefaults(ctx context.Context, limits []types.Limit, onUnavailable types.OnUnavailable) error {
	if len(limits) > 0 {
		if err := validateLimits(limits); err != nil {
			return err
		}
	} else if onUnavailable == "" {
		return &types.ValidationError{Field: "limits", Value: "", Reason: "must not be empty"}
	}
	switch onUnavailable {
	case "", types.OnUnavailableAllow, types.OnUnavailableDeny:
	default:
		return &types.ValidationError{Field: "on_unavailable", Value: string(onUnavailable), Reason: "must be allow or deny"}
	}
	err := r.gw.PutConfig(ctx, &store.ConfigItem{
		PK:            keyspace.SystemPK(r.nsID),
		SK:            keyspace.SystemConfigSK(),
		Limits:        limits,
		OnUnavailable: onUnavailable,
	}, false)
	if err != nil {
		return err
	}
	r.cache.Purge()
	r.logger.Info().Str("namespace_id", r.nsID).
		Str("on_unavailable", string(onUnavailable)).
		Int("limits", len(limits)).Msg("system defaults updated")
	return nil
}

// GetSystemDefaults reads the system record.
func (r *Resolver) GetSystemDefaults(ctx context.Context) ([]types.Limit, types.OnUnavailable, bool, error) {
	rec, found, err := r.gw.GetConfig(ctx, store.Key{
		PK: keyspace.SystemPK(r.nsID),
		SK: keyspace.SystemConfigSK(),
	})
	if err != nil || !found {
		return nil, "", false, err
	}
	return rec.Limits, rec.OnUnavailable, true, nil
}

// Invalidate drops the cached resolution for one (entity, resource) pair.
// Best effort by design: other processes rely on TTL expiry.
func (r *Resolver) Invalidate(entityID, resource string) {
	r.cache.Remove(entityID + "\x00" + resource)
}

// ShapeFor returns the stored shape for one limit name, used when an
// adjustment touches a limit the acquire never saw.
func (r *Resolver) ShapeFor(ctx context.Context, entityID, resource, limitName string) (types.Limit, bool, error) {
	eff, err := r.stored(ctx, entityID, resource)
	if err != nil {
		return types.Limit{}, false, err
	}
	l, ok := eff.Limit(limitName)
	if !ok {
		return types.Limit{}, false, nil
	}
	return l, true, nil
}

// String identifies the resolver's namespace in logs.
func (r *Resolver) String() string {
	return fmt.Sprintf("config.Resolver(ns=%s)", r.nsID)
}
