package limiter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/floodgate/pkg/types"
)

func TestCreateAndGetEntity(t *testing.T) {
	ctx := context.Background()
	lim, _, clock := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	created, err := ns.CreateEntity(ctx, CreateEntityInput{
		ID:       "alice",
		Name:     "Alice",
		Metadata: map[string]string{"team": "infra"},
	})
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UnixMilli(), created.CreatedAt.UnixMilli())

	got, err := ns.GetEntity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.ID)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, map[string]string{"team": "infra"}, got.Metadata)
	assert.Empty(t, got.ParentID)
	assert.False(t, got.Cascade)
}

func TestCreateEntityDuplicate(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	_, err := ns.CreateEntity(ctx, CreateEntityInput{ID: "alice"})
	require.NoError(t, err)

	_, err = ns.CreateEntity(ctx, CreateEntityInput{ID: "alice"})
	var exists *EntityExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "alice", exists.EntityID)
}

func TestCreateEntityParentRules(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	_, err := ns.CreateEntity(ctx, CreateEntityInput{ID: "proj"})
	require.NoError(t, err)
	_, err = ns.CreateEntity(ctx, CreateEntityInput{ID: "k1", ParentID: "proj"})
	require.NoError(t, err)

	var verr *types.ValidationError
	_, err = ns.CreateEntity(ctx, CreateEntityInput{ID: "self", ParentID: "self"})
	assert.ErrorAs(t, err, &verr, "self parent")

	// The hierarchy is two levels at most.
	_, err = ns.CreateEntity(ctx, CreateEntityInput{ID: "k2", ParentID: "k1"})
	assert.ErrorAs(t, err, &verr, "grandchild")

	var nf *EntityNotFoundError
	_, err = ns.CreateEntity(ctx, CreateEntityInput{ID: "orphan", ParentID: "ghost"})
	assert.ErrorAs(t, err, &nf, "missing parent")
}

func TestGetChildren(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	_, err := ns.CreateEntity(ctx, CreateEntityInput{ID: "proj"})
	require.NoError(t, err)
	_, err = ns.CreateEntity(ctx, CreateEntityInput{ID: "other"})
	require.NoError(t, err)
	for _, id := range []string{"k3", "k1", "k2"} {
		_, err = ns.CreateEntity(ctx, CreateEntityInput{ID: id, ParentID: "proj"})
		require.NoError(t, err)
	}

	children, err := ns.GetChildren(ctx, "proj")
	require.NoError(t, err)
	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"k1", "k2", "k3"}, ids)

	children, err = ns.GetChildren(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestDeleteEntity(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	_, err := ns.CreateEntity(ctx, CreateEntityInput{ID: "alice"})
	require.NoError(t, err)
	require.NoError(t, ns.DeleteEntity(ctx, "alice"))

	var nf *EntityNotFoundError
	_, err = ns.GetEntity(ctx, "alice")
	assert.ErrorAs(t, err, &nf)

	// Deleting an absent entity is not an error.
	assert.NoError(t, ns.DeleteEntity(ctx, "alice"))
}

func TestEntityLimitsRoundTrip(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	want := []types.Limit{
		types.PerMinute("rpm", 5),
		types.PerMinute("tpm", 1000),
	}
	require.NoError(t, ns.SetLimits(ctx, "alice", "chat", want))

	got, err := ns.GetLimits(ctx, "alice", "chat")
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)

	require.NoError(t, ns.DeleteLimits(ctx, "alice", "chat"))
	got, err = ns.GetLimits(ctx, "alice", "chat")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListLimits(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	chat := []types.Limit{types.PerMinute("rpm", 5), types.PerMinute("tpm", 1000)}
	embed := []types.Limit{types.PerSecond("qps", 10)}
	require.NoError(t, ns.SetLimits(ctx, "alice", "chat", chat))
	require.NoError(t, ns.SetLimits(ctx, "alice", "embeddings", embed))

	// Another entity's configs stay out of the listing.
	require.NoError(t, ns.SetLimits(ctx, "bob", "chat", []types.Limit{types.PerMinute("rpm", 50)}))

	got, err := ns.ListLimits(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "chat", got[0].Resource)
	assert.ElementsMatch(t, chat, got[0].Limits)
	assert.Equal(t, "embeddings", got[1].Resource)
	assert.Equal(t, embed, got[1].Limits)

	// Removing a resource's record removes it from the listing.
	require.NoError(t, ns.DeleteLimits(ctx, "alice", "chat"))
	got, err = ns.ListLimits(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "embeddings", got[0].Resource)

	got, err = ns.ListLimits(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResourceAndSystemDefaults(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	resource := []types.Limit{types.PerSecond("qps", 10)}
	require.NoError(t, ns.SetResourceDefaults(ctx, "chat", resource))
	got, err := ns.GetResourceDefaults(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, resource, got)

	system := []types.Limit{types.PerMinute("rpm", 100)}
	require.NoError(t, ns.SetSystemDefaults(ctx, system, types.OnUnavailableAllow))
	gotSys, policy, err := ns.GetSystemDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, system, gotSys)
	assert.Equal(t, types.OnUnavailableAllow, policy)
}

func TestAvailableSynthesizesFullBuckets(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	require.NoError(t, ns.SetSystemDefaults(ctx, []types.Limit{
		types.PerMinute("rpm", 5),
		types.PerMinute("tpm", 1000),
	}, ""))

	// No bucket exists yet; balances project from the shapes.
	avail, err := ns.Available(ctx, "alice", "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"rpm": 5, "tpm": 1000}, avail)

	lease, err := ns.Acquire(ctx, AcquireInput{
		EntityID: "alice",
		Resource: "chat",
		Consume:  map[string]int64{"rpm": 2, "tpm": 300},
	})
	require.NoError(t, err)
	defer lease.Close()

	avail, err = ns.Available(ctx, "alice", "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"rpm": 3, "tpm": 700}, avail)
}

func TestTimeUntilAvailableZeroWhenSatisfiable(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)

	require.NoError(t, ns.SetSystemDefaults(ctx, []types.Limit{types.PerMinute("rpm", 5)}, ""))

	wait, err := ns.TimeUntilAvailable(ctx, "alice", "chat", map[string]int64{"rpm": 5}, nil)
	require.NoError(t, err)
	assert.Zero(t, wait)

	// Names outside the effective set do not contribute.
	wait, err = ns.TimeUntilAvailable(ctx, "alice", "chat", map[string]int64{"unknown": 50}, nil)
	require.NoError(t, err)
	assert.Zero(t, wait)
}
