package limiter

import (
	"context"
	"errors"
	"sync"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/cuemby/floodgate/pkg/bucket"
	"github.com/cuemby/floodgate/pkg/config"
	"github.com/cuemby/floodgate/pkg/keyspace"
	"github.com/cuemby/floodgate/pkg/metrics"
	"github.com/cuemby/floodgate/pkg/store"
	"github.com/cuemby/floodgate/pkg/types"
)

// Namespace is a scoped view of the limiter: every key it touches is
// prefixed with the namespace id. Views share the parent's gateway and
// entity cache but own their config resolver, so tenants cannot pollute
// each other's resolutions. Closing the parent limiter closes all views;
// a view itself holds nothing to close.
type Namespace struct {
	name     string
	id       string
	lim      *Limiter
	resolver *config.Resolver
	logger   zerolog.Logger

	// fail-open decisions are logged once per change, not per call
	failOpenMu   sync.Mutex
	failOpenLast string
}

// Name returns the human name of the namespace.
func (n *Namespace) Name() string { return n.name }

// ID returns the stable namespace id used as the key prefix.
func (n *Namespace) ID() string { return n.id }

// CreateEntityInput describes a new entity.
type CreateEntityInput struct {
	ID       string
	Name     string
	ParentID string
	Metadata map[string]string
	// Cascade makes every acquire for this entity also consume from its
	// parent's buckets.
	Cascade bool
}

// CreateEntity registers a rate-limited principal. The parent, when
// given, must exist in this namespace and must itself be parentless: the
// hierarchy is at most two levels deep.
func (n *Namespace) CreateEntity(ctx context.Context, in CreateEntityInput) (*types.Entity, error) {
	if err := types.ValidateName("entity_id", in.ID); err != nil {
		return nil, err
	}
	if in.ParentID == in.ID && in.ParentID != "" {
		return nil, &types.ValidationError{Field: "parent_id", Value: in.ParentID, Reason: "entity cannot be its own parent"}
	}
	if in.ParentID != "" {
		parent, err := n.GetEntity(ctx, in.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.ParentID != "" {
			return nil, &types.ValidationError{Field: "parent_id", Value: in.ParentID, Reason: "parent already has a parent; only one level of nesting is allowed"}
		}
	}

	item := &store.EntityItem{
		PK:          keyspace.EntityPK(n.id, in.ID),
		SK:          keyspace.EntityMetaSK(),
		ID:          in.ID,
		Name:        in.Name,
		ParentID:    in.ParentID,
		Metadata:    in.Metadata,
		Cascade:     in.Cascade,
		CreatedAtMS: n.lim.gw.NowMS(),
	}
	if in.ParentID != "" {
		item.ParentPK = keyspace.ParentIndexPK(n.id, in.ParentID)
		item.ParentSK = in.ID
	}

	err := n.lim.gw.PutEntity(ctx, item, true)
	if errors.Is(err, store.ErrItemExists) {
		return nil, &EntityExistsError{EntityID: in.ID}
	}
	if err != nil {
		return nil, &TransportError{Op: "create entity", Err: err}
	}

	entity := item.Entity()
	n.lim.entities.Add(n.entityCacheKey(in.ID), entity)
	return entity, nil
}

// GetEntity reads an entity record, bypassing the cache so callers see
// their own writes.
func (n *Namespace) GetEntity(ctx context.Context, entityID string) (*types.Entity, error) {
	if err := types.ValidateName("entity_id", entityID); err != nil {
		return nil, err
	}
	item, found, err := n.lim.gw.GetEntity(ctx, store.Key{
		PK: keyspace.EntityPK(n.id, entityID),
		SK: keyspace.EntityMetaSK(),
	})
	if err != nil {
		return nil, &TransportError{Op: "get entity", Err: err}
	}
	if !found {
		return nil, &EntityNotFoundError{EntityID: entityID}
	}
	entity := item.Entity()
	n.lim.entities.Add(n.entityCacheKey(entityID), entity)
	return entity, nil
}

// GetChildren lists the entities whose parent is parentID, in id order.
func (n *Namespace) GetChildren(ctx context.Context, parentID string) ([]*types.Entity, error) {
	if err := types.ValidateName("parent_id", parentID); err != nil {
		return nil, err
	}

	var children []*types.Entity
	var startKey map[string]ddbtypes.AttributeValue
	for {
		page, err := n.lim.gw.Query(ctx,
			keyspace.ParentIndex,
			keyspace.AttrParentPK+" = :pk",
			map[string]ddbtypes.AttributeValue{
				":pk": &ddbtypes.AttributeValueMemberS{Value: keyspace.ParentIndexPK(n.id, parentID)},
			},
			100, startKey)
		if err != nil {
			return nil, &TransportError{Op: "list children", Err: err}
		}
		for _, raw := range page.Items {
			var item store.EntityItem
			if err := store.UnmarshalEntity(raw, &item); err != nil {
				return nil, err
			}
			children = append(children, item.Entity())
		}
		if !page.HasMore {
			return children, nil
		}
		startKey = page.LastKey
	}
}

// DeleteEntity removes the entity record. Its buckets expire via TTL and
// its configs become unreachable once the record is gone; both are left
// to age out.
func (n *Namespace) DeleteEntity(ctx context.Context, entityID string) error {
	if err := types.ValidateName("entity_id", entityID); err != nil {
		return err
	}
	err := n.lim.gw.Delete(ctx, store.Key{
		PK: keyspace.EntityPK(n.id, entityID),
		SK: keyspace.EntityMetaSK(),
	})
	if err != nil {
		return &TransportError{Op: "delete entity", Err: err}
	}
	n.lim.entities.Remove(n.entityCacheKey(entityID))
	return nil
}

func (n *Namespace) entityCacheKey(entityID string) string {
	return n.id + "/" + entityID
}

// cachedEntity resolves an entity through the shared cache, deduplicating
// concurrent misses.
func (n *Namespace) cachedEntity(ctx context.Context, entityID string) (*types.Entity, bool, error) {
	key := n.entityCacheKey(entityID)
	if e, ok := n.lim.entities.Get(key); ok {
		metrics.CacheLookupsTotal.WithLabelValues("entity", "hit").Inc()
		return e, true, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("entity", "miss").Inc()

	v, err, _ := n.lim.entityGroup.Do(key, func() (interface{}, error) {
		item, found, err := n.lim.gw.GetEntity(ctx, store.Key{
			PK: keyspace.EntityPK(n.id, entityID),
			SK: keyspace.EntityMetaSK(),
		})
		if err != nil {
			return nil, err
		}
		if !found {
			return (*types.Entity)(nil), nil
		}
		entity := item.Entity()
		n.lim.entities.Add(key, entity)
		return entity, nil
	})
	if err != nil {
		return nil, false, err
	}
	entity := v.(*types.Entity)
	return entity, entity != nil, nil
}

// SetLimits stores per-entity limits for a resource.
func (n *Namespace) SetLimits(ctx context.Context, entityID, resource string, limits []types.Limit) error {
	if err := types.ValidateName("entity_id", entityID); err != nil {
		return err
	}
	if err := types.ValidateName("resource", resource); err != nil {
		return err
	}
	return n.resolver.SetEntityLimits(ctx, entityID, resource, limits)
}

// GetLimits returns the stored per-entity limits for a resource, or an
// empty list when none are set.
func (n *Namespace) GetLimits(ctx context.Context, entityID, resource string) ([]types.Limit, error) {
	if err := types.ValidateName("entity_id", entityID); err != nil {
		return nil, err
	}
	if err := types.ValidateName("resource", resource); err != nil {
		return nil, err
	}
	limits, _, err := n.resolver.GetEntityLimits(ctx, entityID, resource)
	return limits, err
}

// ResourceLimits pairs a resource with the limits stored for it.
type ResourceLimits struct {
	Resource string
	Limits   []types.Limit
}

// ListLimits returns every per-resource limit set stored for an entity,
// in resource order.
func (n *Namespace) ListLimits(ctx context.Context, entityID string) ([]ResourceLimits, error) {
	if err := types.ValidateName("entity_id", entityID); err != nil {
		return nil, err
	}

	var configs []ResourceLimits
	var startKey map[string]ddbtypes.AttributeValue
	for {
		page, err := n.lim.gw.Query(ctx,
			keyspace.EntityConfigIndex,
			keyspace.AttrEntityConfigPK+" = :pk",
			map[string]ddbtypes.AttributeValue{
				":pk": &ddbtypes.AttributeValueMemberS{Value: keyspace.EntityConfigIndexPK(n.id, entityID)},
			},
			100, startKey)
		if err != nil {
			return nil, &TransportError{Op: "list limits", Err: err}
		}
		for _, raw := range page.Items {
			item, err := store.UnmarshalConfig(raw)
			if err != nil {
				return nil, err
			}
			resource, ok := keyspace.ParseEntityConfigSK(item.SK)
			if !ok {
				continue
			}
			configs = append(configs, ResourceLimits{Resource: resource, Limits: item.Limits})
		}
		if !page.HasMore {
			return configs, nil
		}
		startKey = page.LastKey
	}
}

// DeleteLimits removes the stored per-entity limits for a resource.
func (n *Namespace) DeleteLimits(ctx context.Context, entityID, resource string) error {
	if err := types.ValidateName("entity_id", entityID); err != nil {
		return err
	}
	if err := types.ValidateName("resource", resource); err != nil {
		return err
	}
	return n.resolver.DeleteEntityLimits(ctx, entityID, resource)
}

// SetResourceDefaults stores namespace-wide limits for one resource.
func (n *Namespace) SetResourceDefaults(ctx context.Context, resource string, limits []types.Limit) error {
	if err := types.ValidateName("resource", resource); err != nil {
		return err
	}
	return n.resolver.SetResourceDefaults(ctx, resource, limits)
}

// GetResourceDefaults returns the stored limits for one resource.
func (n *Namespace) GetResourceDefaults(ctx context.Context, resource string) ([]types.Limit, error) {
	if err := types.ValidateName("resource", resource); err != nil {
		return nil, err
	}
	limits, _, err := n.resolver.GetResourceDefaults(ctx, resource)
	return limits, err
}

// SetSystemDefaults stores the namespace's fallback limits and optional
// on-unavailable policy.
func (n *Namespace) SetSystemDefaults(ctx context.Context, limits []types.Limit, onUnavailable types.OnUnavailable) error {
	return n.resolver.SetSystemDefaults(ctx, limits, onUnavailable)
}

// GetSystemDefaults returns the namespace's fallback limits and policy.
func (n *Namespace) GetSystemDefaults(ctx context.Context) ([]types.Limit, types.OnUnavailable, error) {
	limits, policy, _, err := n.resolver.GetSystemDefaults(ctx)
	return limits, policy, err
}

// Available projects the current balance of every effective limit for
// (entityID, resource) without consuming. Balances may be negative after
// adjustments.
func (n *Namespace) Available(ctx context.Context, entityID, resource string, limits []types.Limit) (map[string]int64, error) {
	snaps, eff, nowMS, err := n.projectBuckets(ctx, entityID, resource, limits)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(eff.Limits))
	for _, l := range eff.Limits {
		out[l.Name] = bucket.Available(snaps[l.Name], nowMS)
	}
	return out, nil
}

// TimeUntilAvailable returns the seconds until every needed amount would
// fit its bucket simultaneously; zero when they already fit.
func (n *Namespace) TimeUntilAvailable(ctx context.Context, entityID, resource string, needed map[string]int64, limits []types.Limit) (float64, error) {
	snaps, eff, nowMS, err := n.projectBuckets(ctx, entityID, resource, limits)
	if err != nil {
		return 0, err
	}
	var wait float64
	for name, amount := range needed {
		l, ok := eff.Limit(name)
		if !ok {
			continue
		}
		if w := bucket.RetryAfter(snaps[l.Name], amount, nowMS); w > wait {
			wait = w
		}
	}
	return wait, nil
}

// projectBuckets resolves the effective limits and reads the matching
// bucket snapshots, synthesizing full buckets for those not yet created.
func (n *Namespace) projectBuckets(ctx context.Context, entityID, resource string, limits []types.Limit) (map[string]bucket.Snapshot, types.EffectiveLimits, int64, error) {
	if err := types.ValidateName("entity_id", entityID); err != nil {
		return nil, types.EffectiveLimits{}, 0, err
	}
	if err := types.ValidateName("resource", resource); err != nil {
		return nil, types.EffectiveLimits{}, 0, err
	}

	eff, err := n.resolver.Resolve(ctx, entityID, resource, limits, false)
	if err != nil {
		return nil, types.EffectiveLimits{}, 0, &TransportError{Op: "resolve limits", Err: err}
	}

	keys := make([]store.Key, 0, len(eff.Limits))
	pk := keyspace.EntityPK(n.id, entityID)
	for _, l := range eff.Limits {
		keys = append(keys, store.Key{PK: pk, SK: keyspace.BucketSK(resource, l.Name)})
	}
	items, err := n.lim.gw.BatchGetBuckets(ctx, keys)
	if err != nil {
		return nil, types.EffectiveLimits{}, 0, &TransportError{Op: "read buckets", Err: err}
	}

	nowMS := n.lim.gw.NowMS()
	snaps := make(map[string]bucket.Snapshot, len(eff.Limits))
	for _, l := range eff.Limits {
		if item, ok := items[store.Key{PK: pk, SK: keyspace.BucketSK(resource, l.Name)}]; ok {
			snaps[l.Name] = snapshotOf(item)
		} else {
			snaps[l.Name] = bucket.NewFull(l, nowMS)
		}
	}
	return snaps, eff, nowMS, nil
}

func snapshotOf(item *store.BucketItem) bucket.Snapshot {
	return bucket.Snapshot{
		TokensMilli:       item.TokensMilli,
		LastRefillMS:      item.LastRefillMS,
		CapacityMilli:     item.CapacityMilli,
		BurstMilli:        item.BurstMilli,
		RefillAmountMilli: item.RefillAmountMilli,
		RefillPeriodMS:    item.RefillPeriodMS,
	}
}
