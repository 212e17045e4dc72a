package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/floodgate/pkg/store"
	"github.com/cuemby/floodgate/pkg/store/fake"
	"github.com/cuemby/floodgate/pkg/types"
)

func newTestResolver(t *testing.T) (*Resolver, *fake.Store) {
	t.Helper()
	api := fake.New()
	gw := store.New(api, store.Options{Table: "floodgate-test"})
	return NewResolver(gw, "nsAAAAAAAAA", 0, 0), api
}

func TestResolvePrecedence(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	system := []types.Limit{types.PerMinute("rpm", 100)}
	resource := []types.Limit{types.PerMinute("rpm", 50)}
	entity := []types.Limit{types.PerMinute("rpm", 5)}

	require.NoError(t, r.SetSystemDefaults(ctx, system, ""))
	eff, err := r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceSystem, eff.Source)
	assert.Equal(t, system, eff.Limits)

	require.NoError(t, r.SetResourceDefaults(ctx, "chat", resource))
	eff, err = r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceResource, eff.Source)
	assert.Equal(t, resource, eff.Limits)

	require.NoError(t, r.SetEntityLimits(ctx, "alice", "chat", entity))
	eff, err = r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceEntity, eff.Source)
	assert.Equal(t, entity, eff.Limits)

	// Another entity still falls through to the resource scope.
	eff, err = r.Resolve(ctx, "bob", "chat", nil, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceResource, eff.Source)
}

func TestResolveExplicitShortCircuit(t *testing.T) {
	ctx := context.Background()
	r, api := newTestResolver(t)

	explicit := []types.Limit{types.PerMinute("rpm", 5)}
	eff, err := r.Resolve(ctx, "alice", "chat", explicit, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceExplicit, eff.Source)
	assert.Equal(t, explicit, eff.Limits)
	assert.Equal(t, types.OnUnavailableDeny, eff.OnUnavailable)
	assert.Zero(t, api.Calls["GetItem"])
}

func TestResolveExplicitFallback(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	// With useStored set and nothing stored, explicit limits still apply.
	explicit := []types.Limit{types.PerMinute("rpm", 5)}
	eff, err := r.Resolve(ctx, "alice", "chat", explicit, true)
	require.NoError(t, err)
	assert.Equal(t, types.SourceExplicit, eff.Source)
	assert.Equal(t, explicit, eff.Limits)

	// A stored record takes precedence over the fallback.
	stored := []types.Limit{types.PerMinute("rpm", 50)}
	require.NoError(t, r.SetEntityLimits(ctx, "alice", "chat", stored))
	eff, err = r.Resolve(ctx, "alice", "chat", explicit, true)
	require.NoError(t, err)
	assert.Equal(t, types.SourceEntity, eff.Source)
	assert.Equal(t, stored, eff.Limits)
}

func TestResolvePolicyFromSystemScope(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	require.NoError(t, r.SetSystemDefaults(ctx, []types.Limit{types.PerMinute("rpm", 100)}, types.OnUnavailableAllow))
	require.NoError(t, r.SetEntityLimits(ctx, "alice", "chat", []types.Limit{types.PerMinute("rpm", 5)}))

	// The entity record wins on limits but carries no policy of its own;
	// the system policy still applies.
	eff, err := r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceEntity, eff.Source)
	assert.Equal(t, types.OnUnavailableAllow, eff.OnUnavailable)
}

func TestResolvePolicyOnlySystemRecord(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	require.NoError(t, r.SetSystemDefaults(ctx, nil, types.OnUnavailableAllow))

	eff, err := r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Empty(t, eff.Limits)
	assert.Equal(t, types.OnUnavailableAllow, eff.OnUnavailable)
}

func TestResolveNothingConfigured(t *testing.T) {
	ctx := context.Background()
	r, api := newTestResolver(t)

	eff, err := r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Empty(t, eff.Limits)
	assert.Empty(t, eff.Source)
	assert.Equal(t, types.OnUnavailableDeny, eff.OnUnavailable)

	// Negative results are cached too: the second resolve hits no storage.
	reads := api.Calls["GetItem"]
	_, err = r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Equal(t, reads, api.Calls["GetItem"])
}

func TestInvalidationAfterWrites(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	require.NoError(t, r.SetEntityLimits(ctx, "alice", "chat", []types.Limit{types.PerMinute("rpm", 5)}))
	eff, err := r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceEntity, eff.Source)

	// Updates are visible immediately in the writing process.
	require.NoError(t, r.SetEntityLimits(ctx, "alice", "chat", []types.Limit{types.PerMinute("rpm", 10)}))
	eff, err = r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(10), eff.Limits[0].Capacity)

	require.NoError(t, r.DeleteEntityLimits(ctx, "alice", "chat"))
	eff, err = r.Resolve(ctx, "alice", "chat", nil, false)
	require.NoError(t, err)
	assert.Empty(t, eff.Limits)
}

func TestGetEntityLimitsBypassesCache(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	limits, found, err := r.GetEntityLimits(ctx, "alice", "chat")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, limits)

	want := []types.Limit{types.PerMinute("rpm", 5)}
	require.NoError(t, r.SetEntityLimits(ctx, "alice", "chat", want))
	limits, found, err = r.GetEntityLimits(ctx, "alice", "chat")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, limits)
}

func TestLimitValidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	tests := []struct {
		name   string
		limits []types.Limit
	}{
		{"empty set", nil},
		{"duplicate names", []types.Limit{types.PerMinute("rpm", 5), types.PerMinute("rpm", 10)}},
		{"zero capacity", []types.Limit{types.NewLimit("rpm", 0, 0, 5, time.Minute)}},
		{"burst below capacity", []types.Limit{{Name: "rpm", Capacity: 10, Burst: 5, RefillAmount: 1, RefillPeriod: time.Minute}}},
		{"sub-millisecond period", []types.Limit{types.NewLimit("rpm", 5, 5, 5, time.Microsecond)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *types.ValidationError
			assert.ErrorAs(t, r.SetEntityLimits(ctx, "alice", "chat", tt.limits), &verr)
		})
	}

	var verr *types.ValidationError
	assert.ErrorAs(t, r.SetSystemDefaults(ctx, nil, ""), &verr, "policy-less empty system record")
	assert.ErrorAs(t, r.SetSystemDefaults(ctx, []types.Limit{types.PerMinute("rpm", 5)}, "maybe"), &verr)
}

func TestShapeFor(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	require.NoError(t, r.SetResourceDefaults(ctx, "chat", []types.Limit{
		types.PerMinute("rpm", 5),
		types.PerMinute("tpm", 1000),
	}))

	shape, found, err := r.ShapeFor(ctx, "alice", "chat", "tpm")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.PerMinute("tpm", 1000), shape)

	_, found, err = r.ShapeFor(ctx, "alice", "chat", "unknown")
	require.NoError(t, err)
	assert.False(t, found)
}
