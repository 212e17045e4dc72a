package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/floodgate/pkg/store/fake"
	"github.com/cuemby/floodgate/pkg/types"
)

// testClock is a mutable wall clock so refill timing is deterministic.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, opts Options) (*Limiter, *fake.Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	if opts.Table == "" {
		opts.Table = "floodgate-test"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	api := fake.New()
	lim, err := NewWithStore(context.Background(), api, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lim.Close() })
	return lim, api, clock
}

func defaultNS(t *testing.T, lim *Limiter) *Namespace {
	t.Helper()
	ns, err := lim.Default(context.Background())
	require.NoError(t, err)
	return ns
}

func TestDefaultNamespaceRegistered(t *testing.T) {
	lim, _, _ := newTestLimiter(t, Options{})
	ns := defaultNS(t, lim)
	assert.Equal(t, DefaultNamespace, ns.Name())
	assert.Len(t, ns.ID(), types.NamespaceIDLength)

	// The default namespace is addressable by name too.
	byName, err := lim.Namespace(context.Background(), DefaultNamespace)
	require.NoError(t, err)
	assert.Equal(t, ns.ID(), byName.ID())
}

func TestCreateNamespaceIdempotent(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})

	a, err := lim.CreateNamespace(ctx, "team-a")
	require.NoError(t, err)
	again, err := lim.CreateNamespace(ctx, "team-a")
	require.NoError(t, err)
	assert.Equal(t, a.ID(), again.ID())

	b, err := lim.CreateNamespace(ctx, "team-b")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCreateNamespaceRejectsReservedAndInvalid(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})

	for _, name := range []string{"default", "_internal", "", "9teams", "team a"} {
		_, err := lim.CreateNamespace(ctx, name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestNamespaceNotFound(t *testing.T) {
	lim, _, _ := newTestLimiter(t, Options{})
	_, err := lim.Namespace(context.Background(), "ghost")
	var nf *NamespaceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.Name)
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	lim, _, _ := newTestLimiter(t, Options{})

	nsA, err := lim.CreateNamespace(ctx, "team-a")
	require.NoError(t, err)
	nsB, err := lim.CreateNamespace(ctx, "team-b")
	require.NoError(t, err)

	_, err = nsA.CreateEntity(ctx, CreateEntityInput{ID: "alice"})
	require.NoError(t, err)

	// The other namespace cannot see the entity.
	_, err = nsB.GetEntity(ctx, "alice")
	var nf *EntityNotFoundError
	assert.ErrorAs(t, err, &nf)

	// The same entity id in both namespaces gets independent buckets.
	require.NoError(t, nsA.SetSystemDefaults(ctx, []types.Limit{types.PerMinute("rpm", 1)}, ""))
	require.NoError(t, nsB.SetSystemDefaults(ctx, []types.Limit{types.PerMinute("rpm", 1)}, ""))

	lease, err := nsA.Acquire(ctx, AcquireInput{EntityID: "alice", Resource: "chat", Consume: map[string]int64{"rpm": 1}})
	require.NoError(t, err)
	defer lease.Close()

	lease, err = nsB.Acquire(ctx, AcquireInput{EntityID: "alice", Resource: "chat", Consume: map[string]int64{"rpm": 1}})
	require.NoError(t, err)
	defer lease.Close()

	_, err = nsA.Acquire(ctx, AcquireInput{EntityID: "alice", Resource: "chat", Consume: map[string]int64{"rpm": 1}})
	var rle *RateLimitExceededError
	assert.ErrorAs(t, err, &rle)
}

func TestIsAvailable(t *testing.T) {
	lim, api, _ := newTestLimiter(t, Options{})
	ctx := context.Background()

	assert.True(t, lim.IsAvailable(ctx, time.Second))

	api.FailNext("DescribeTable", &ddbtypes.ResourceNotFoundException{Message: aws.String("no table")})
	assert.False(t, lim.IsAvailable(ctx, time.Second))
}
