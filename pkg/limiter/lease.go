package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/floodgate/pkg/bucket"
	"github.com/cuemby/floodgate/pkg/keyspace"
	"github.com/cuemby/floodgate/pkg/metrics"
	"github.com/cuemby/floodgate/pkg/store"
	"github.com/cuemby/floodgate/pkg/types"
)

// Lease is the handle returned by a successful acquire. It records what
// was consumed and can reconcile the real usage after the fact via
// Adjust. There is no release: buckets refill on their own.
//
// A lease is a scoped resource: close it on every exit path (defer
// lease.Close()). Adjust after Close is refused, which is what guarantees
// no reconciliation lands once the owning scope has exited.
type Lease struct {
	ns       *Namespace
	id       string
	entityID string
	parentID string
	resource string
	entries  []leaseEntry

	mu       sync.Mutex
	consumed map[string]int64
	closed   bool
}

type leaseEntry struct {
	key       store.Key
	side      string
	limitName string
	shape     types.Limit
}

func (n *Namespace) newLease(entity *types.Entity, parentID string, in AcquireInput, plan []planEntry) *Lease {
	l := &Lease{
		ns:       n,
		id:       uuid.NewString(),
		entityID: entity.ID,
		parentID: parentID,
		resource: in.Resource,
		consumed: map[string]int64{},
	}
	for _, e := range plan {
		l.entries = append(l.entries, leaseEntry{
			key:       e.key,
			side:      e.side,
			limitName: e.limitName,
			shape:     e.shape,
		})
		if e.side == SideSelf {
			l.consumed[e.limitName] = e.amount
		}
	}
	return l
}

// emptyLease is returned by bypassed acquires: nothing consumed, nothing
// to adjust against unless config resolves later.
func (n *Namespace) emptyLease(entity *types.Entity, resource string) *Lease {
	return &Lease{
		ns:       n,
		id:       uuid.NewString(),
		entityID: entity.ID,
		resource: resource,
		consumed: map[string]int64{},
	}
}

// ID is the unique id of this lease, for correlation in logs.
func (l *Lease) ID() string { return l.id }

// Resource returns the resource the lease was acquired against.
func (l *Lease) Resource() string { return l.resource }

// Consumed returns a snapshot of the net consumption per limit name,
// including adjustments committed so far.
func (l *Lease) Consumed() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.consumed))
	for k, v := range l.consumed {
		out[k] = v
	}
	return out
}

// Adjust reconciles the lease by signed deltas per limit name: positive
// for usage discovered after the fact, negative to hand back
// over-reservation. The write is a force-consume, so it never fails on
// capacity; buckets may go negative and recover by refill. A limit the
// acquire never touched may be adjusted iff its bucket exists or its
// shape resolves from config.
//
// On transport failure nothing is recorded locally: Consumed only ever
// reflects deltas the store confirmed.
func (l *Lease) Adjust(ctx context.Context, deltas map[string]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("lease %s is closed", l.id)
	}
	if len(deltas) == 0 {
		return nil
	}

	targets, err := l.adjustTargets(ctx, deltas)
	if err != nil {
		metrics.AdjustsTotal.WithLabelValues("error").Inc()
		return err
	}

	keys := make([]store.Key, 0, len(targets))
	for _, t := range targets {
		keys = append(keys, t.key)
	}
	items, err := l.ns.lim.gw.BatchGetBuckets(ctx, keys)
	if err != nil {
		metrics.AdjustsTotal.WithLabelValues("error").Inc()
		return &TransportError{Op: "read buckets", Err: err}
	}
	nowMS := l.ns.lim.gw.NowMS()

	writes := make([]store.TransactItem, 0, len(targets))
	for _, t := range targets {
		var snap bucket.Snapshot
		if item, ok := items[t.key]; ok {
			snap = snapshotOf(item)
		} else {
			snap = bucket.NewFull(t.shape, nowMS)
		}
		next := bucket.ForceConsume(snap, deltas[t.limitName], nowMS)

		// Unconditioned write: adjustments must never fail, and losing a
		// concurrent refill race costs at most one tick of drift.
		write, err := store.BucketWrite(l.ns.bucketItem(t.key, next), 0, false)
		if err != nil {
			metrics.AdjustsTotal.WithLabelValues("error").Inc()
			return err
		}
		writes = append(writes, write)
	}

	if err := l.ns.lim.gw.TransactWrite(ctx, writes); err != nil {
		metrics.AdjustsTotal.WithLabelValues("error").Inc()
		return &TransportError{Op: "commit adjust", Err: err}
	}

	seen := map[string]bool{}
	for _, t := range targets {
		if seen[t.limitName] {
			continue
		}
		seen[t.limitName] = true
		l.consumed[t.limitName] += deltas[t.limitName]
	}
	metrics.AdjustsTotal.WithLabelValues("ok").Inc()
	return nil
}

// adjustTargets maps delta names to bucket entries. Names from the
// original acquire reuse its entries (both sides); new names resolve
// their shape from stored config or from the live bucket.
func (l *Lease) adjustTargets(ctx context.Context, deltas map[string]int64) ([]leaseEntry, error) {
	var targets []leaseEntry
	for name := range deltas {
		found := false
		for _, e := range l.entries {
			if e.limitName == name {
				targets = append(targets, e)
				found = true
			}
		}
		if found {
			continue
		}

		key := store.Key{
			PK: keyspace.EntityPK(l.ns.id, l.entityID),
			SK: keyspace.BucketSK(l.resource, name),
		}
		shape, ok, err := l.resolveShape(ctx, key, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ValidationError{Field: "limit_name", Value: name, Reason: "no bucket and no resolvable shape for adjustment"}
		}
		targets = append(targets, leaseEntry{key: key, side: SideSelf, limitName: name, shape: shape})
	}
	return targets, nil
}

// resolveShape finds the shape for a limit the acquire never touched: the
// live bucket's stored copy wins, then the config hierarchy.
func (l *Lease) resolveShape(ctx context.Context, key store.Key, name string) (types.Limit, bool, error) {
	item, found, err := l.ns.lim.gw.GetBucket(ctx, key)
	if err != nil {
		return types.Limit{}, false, &TransportError{Op: "read bucket", Err: err}
	}
	if found {
		return types.Limit{
			Name:         name,
			Capacity:     item.CapacityMilli / bucket.MilliPerToken,
			Burst:        item.BurstMilli / bucket.MilliPerToken,
			RefillAmount: item.RefillAmountMilli / bucket.MilliPerToken,
			RefillPeriod: msToDuration(item.RefillPeriodMS),
		}, true, nil
	}
	shape, ok, err := l.ns.resolver.ShapeFor(ctx, l.entityID, l.resource, name)
	if err != nil {
		return types.Limit{}, false, &TransportError{Op: "resolve shape", Err: err}
	}
	return shape, ok, nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Close ends the lease's scope. Idempotent; Adjust refuses to run
// afterwards. Nothing is written: buckets refill on their own.
func (l *Lease) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
