package limiter

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/cuemby/floodgate/pkg/bucket"
	"github.com/cuemby/floodgate/pkg/keyspace"
	"github.com/cuemby/floodgate/pkg/metrics"
	"github.com/cuemby/floodgate/pkg/store"
	"github.com/cuemby/floodgate/pkg/types"
)

const (
	// maxConsumeNames bounds one acquire; half the transaction ceiling is
	// reserved for the cascaded parent side.
	maxConsumeNames = 50

	// Conflict retry budget: losing the optimistic concurrency check is
	// cheap to retry, but not forever.
	conflictAttempts = 3
	conflictBudget   = 250 * time.Millisecond
)

// AcquireInput describes one acquire call.
type AcquireInput struct {
	EntityID string
	Resource string
	// Consume maps limit names to the amounts to reserve. Names without a
	// resolved shape on either side are ignored.
	Consume map[string]int64
	// Limits, when set, are effective for this call only unless
	// UseStoredLimits asks the stored hierarchy to take precedence.
	Limits          []types.Limit
	UseStoredLimits bool
	// Cascade also consumes from the parent's buckets; it is demoted to a
	// no-op when the entity has no parent. The entity's own cascade flag
	// has the same effect.
	Cascade bool
	// RequireEntity fails with EntityNotFoundError instead of
	// auto-creating a record on first use.
	RequireEntity bool
}

// planEntry is one bucket touched by the acquire.
type planEntry struct {
	key       store.Key
	side      string
	entityID  string
	limitName string
	shape     types.Limit
	amount    int64
}

// Acquire reserves capacity against every effective limit named in
// Consume and returns the lease on success. On capacity violation nothing
// is written and the error lists every failing bucket.
func (n *Namespace) Acquire(ctx context.Context, in AcquireInput) (*Lease, error) {
	start := time.Now()
	lease, err := n.acquire(ctx, in)
	metrics.AcquireDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil && len(lease.entries) == 0:
		metrics.AcquiresTotal.WithLabelValues("bypassed").Inc()
	case err == nil:
		metrics.AcquiresTotal.WithLabelValues("granted").Inc()
	default:
		var rle *RateLimitExceededError
		if errors.As(err, &rle) {
			metrics.AcquiresTotal.WithLabelValues("rate_limited").Inc()
		} else {
			metrics.AcquiresTotal.WithLabelValues("error").Inc()
		}
	}
	return lease, err
}

func (n *Namespace) acquire(ctx context.Context, in AcquireInput) (*Lease, error) {
	if err := types.ValidateName("entity_id", in.EntityID); err != nil {
		return nil, err
	}
	if err := types.ValidateName("resource", in.Resource); err != nil {
		return nil, err
	}
	if len(in.Consume) > maxConsumeNames {
		return nil, &types.ValidationError{Field: "consume", Value: in.EntityID, Reason: "more than 50 limits in one acquire"}
	}
	for name, amount := range in.Consume {
		if err := types.ValidateName("limit_name", name); err != nil {
			return nil, err
		}
		if amount < 0 {
			return nil, &types.ValidationError{Field: "consume", Value: name, Reason: "amount must not be negative"}
		}
	}

	// Deadlines are propagated, not added: only a caller context without
	// one gets the default.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.lim.opts.AcquireTimeout)
		defer cancel()
	}

	entity, err := n.resolveAcquireEntity(ctx, in)
	if err != nil {
		return nil, err
	}

	selfEff, bypass, err := n.resolveSide(ctx, in.EntityID, in, true)
	if err != nil {
		return nil, err
	}
	if bypass {
		return n.emptyLease(entity, in.Resource), nil
	}

	parentID := ""
	var parentEff types.EffectiveLimits
	if (in.Cascade || entity.Cascade) && entity.ParentID != "" {
		parentID = entity.ParentID
		parentEff, _, err = n.resolveSide(ctx, parentID, in, false)
		if err != nil {
			return nil, err
		}
	}

	plan := buildPlan(n.id, in, selfEff, parentID, parentEff)
	if len(plan) == 0 {
		return n.emptyLease(entity, in.Resource), nil
	}
	return n.commitPlan(ctx, entity, parentID, in, plan)
}

// resolveAcquireEntity finds the entity, creating a bare record on first
// use unless the caller requires one to exist.
func (n *Namespace) resolveAcquireEntity(ctx context.Context, in AcquireInput) (*types.Entity, error) {
	entity, found, err := n.cachedEntity(ctx, in.EntityID)
	if err != nil {
		return nil, &TransportError{Op: "resolve entity", Err: err}
	}
	if found {
		return entity, nil
	}
	if in.RequireEntity {
		return nil, &EntityNotFoundError{EntityID: in.EntityID}
	}
	entity, err = n.CreateEntity(ctx, CreateEntityInput{ID: in.EntityID})
	var exists *EntityExistsError
	if errors.As(err, &exists) {
		// Another acquire created it between our read and write.
		return n.GetEntity(ctx, in.EntityID)
	}
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// resolveSide resolves the effective limits for one side of the acquire.
// The explicit limits only apply to the self side; the parent always uses
// its stored hierarchy. A true bypass means the acquire proceeds without
// touching any bucket, per the fail-open policy.
func (n *Namespace) resolveSide(ctx context.Context, entityID string, in AcquireInput, self bool) (types.EffectiveLimits, bool, error) {
	var explicit []types.Limit
	if self {
		explicit = in.Limits
	}
	eff, err := n.resolver.Resolve(ctx, entityID, in.Resource, explicit, in.UseStoredLimits)
	if err != nil {
		// The store could not even tell us the policy; the process-level
		// default decides.
		if n.lim.opts.OnUnavailable == types.OnUnavailableAllow {
			if self && len(explicit) > 0 {
				n.logFailOpen("explicit-limits")
				return types.EffectiveLimits{Limits: explicit, OnUnavailable: types.OnUnavailableAllow, Source: types.SourceExplicit}, false, nil
			}
			n.logFailOpen("bypass")
			return types.EffectiveLimits{}, true, nil
		}
		return types.EffectiveLimits{}, false, &TransportError{Op: "resolve limits", Err: err}
	}

	if len(eff.Limits) == 0 {
		if !self {
			// A parent with nothing configured simply has no buckets.
			return eff, false, nil
		}
		if eff.OnUnavailable == types.OnUnavailableAllow {
			n.logFailOpen("bypass")
			return eff, true, nil
		}
		return eff, false, &LimitsUnavailableError{EntityID: entityID, Resource: in.Resource}
	}
	return eff, false, nil
}

// logFailOpen logs the fail-open decision once per change rather than per
// call; a flapping store would otherwise flood the log.
func (n *Namespace) logFailOpen(mode string) {
	n.failOpenMu.Lock()
	defer n.failOpenMu.Unlock()
	if n.failOpenLast == mode {
		return
	}
	n.failOpenLast = mode
	n.logger.Warn().Str("mode", mode).Msg("limits unavailable, failing open")
}

// buildPlan maps consumed limit names to bucket writes. A name consumed
// on both sides touches both buckets; a name that only one side's
// effective set knows is consumed there alone.
func buildPlan(nsID string, in AcquireInput, selfEff types.EffectiveLimits, parentID string, parentEff types.EffectiveLimits) []planEntry {
	names := make([]string, 0, len(in.Consume))
	for name := range in.Consume {
		names = append(names, name)
	}
	sort.Strings(names)

	var plan []planEntry
	for _, name := range names {
		amount := in.Consume[name]
		if amount == 0 {
			continue
		}
		if shape, ok := selfEff.Limit(name); ok {
			plan = append(plan, planEntry{
				key:       store.Key{PK: keyspace.EntityPK(nsID, in.EntityID), SK: keyspace.BucketSK(in.Resource, name)},
				side:      SideSelf,
				entityID:  in.EntityID,
				limitName: name,
				shape:     shape,
				amount:    amount,
			})
		}
		if parentID == "" {
			continue
		}
		if shape, ok := parentEff.Limit(name); ok {
			plan = append(plan, planEntry{
				key:       store.Key{PK: keyspace.EntityPK(nsID, parentID), SK: keyspace.BucketSK(in.Resource, name)},
				side:      SideParent,
				entityID:  parentID,
				limitName: name,
				shape:     shape,
				amount:    amount,
			})
		}
	}
	return plan
}

// commitPlan is the optimistic concurrency loop: read every snapshot, run
// the algebra, and commit the whole set conditioned on the clocks we
// read. A concurrent writer fails the condition and we start over.
func (n *Namespace) commitPlan(ctx context.Context, entity *types.Entity, parentID string, in AcquireInput, plan []planEntry) (*Lease, error) {
	deadline := time.Now().Add(conflictBudget)

	keys := make([]store.Key, 0, len(plan))
	for _, e := range plan {
		keys = append(keys, e.key)
	}

	for attempt := 1; ; attempt++ {
		items, err := n.lim.gw.BatchGetBuckets(ctx, keys)
		if err != nil {
			return nil, &TransportError{Op: "read buckets", Err: err}
		}
		nowMS := n.lim.gw.NowMS()

		writes := make([]store.TransactItem, 0, len(plan))
		var violations []Violation
		for _, e := range plan {
			var snap bucket.Snapshot
			var seenMS int64
			if item, ok := items[e.key]; ok {
				snap = snapshotOf(item)
				seenMS = item.LastRefillMS
			} else {
				snap = bucket.NewFull(e.shape, nowMS)
			}

			next, res := bucket.TryConsume(snap, e.amount, nowMS)
			if !res.OK {
				violations = append(violations, Violation{
					EntityID:          e.entityID,
					LimitName:         e.limitName,
					Resource:          in.Resource,
					Available:         res.Available,
					Exceeded:          true,
					RetryAfterSeconds: res.RetryAfterSeconds,
					Side:              e.side,
				})
				continue
			}

			write, err := store.BucketWrite(n.bucketItem(e.key, next), seenMS, true)
			if err != nil {
				return nil, err
			}
			writes = append(writes, write)
		}

		if len(violations) > 0 {
			return nil, rateLimitError(violations)
		}

		err = n.lim.gw.TransactWrite(ctx, writes)
		if err == nil {
			return n.newLease(entity, parentID, in, plan), nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, &TransportError{Op: "commit acquire", Err: err}
		}

		metrics.ConflictRetriesTotal.Inc()
		if attempt >= conflictAttempts || time.Now().After(deadline) {
			return nil, &ConflictExhaustedError{Attempts: attempt}
		}
		jitter := time.Duration(rand.Int63n(int64(20 * time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil, &TransportError{Op: "commit acquire", Err: ctx.Err()}
		case <-time.After(jitter):
		}
	}
}

// bucketItem renders a snapshot back into its persisted form, refreshing
// the TTL to TTLFactor refill periods from now.
func (n *Namespace) bucketItem(key store.Key, snap bucket.Snapshot) *store.BucketItem {
	ttlFactor := n.lim.opts.TTLFactor
	if ttlFactor < 2 {
		ttlFactor = 2
	}
	return &store.BucketItem{
		PK:                key.PK,
		SK:                key.SK,
		TokensMilli:       snap.TokensMilli,
		LastRefillMS:      snap.LastRefillMS,
		CapacityMilli:     snap.CapacityMilli,
		BurstMilli:        snap.BurstMilli,
		RefillAmountMilli: snap.RefillAmountMilli,
		RefillPeriodMS:    snap.RefillPeriodMS,
		TTL:               (snap.LastRefillMS + ttlFactor*snap.RefillPeriodMS) / 1000,
	}
}

func rateLimitError(violations []Violation) *RateLimitExceededError {
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Side != violations[j].Side {
			return violations[i].Side < violations[j].Side
		}
		return violations[i].LimitName < violations[j].LimitName
	})
	maxRetry := 0.0
	for _, v := range violations {
		if v.RetryAfterSeconds > maxRetry {
			maxRetry = v.RetryAfterSeconds
		}
	}
	return &RateLimitExceededError{Violations: violations, RetryAfterSeconds: maxRetry}
}
