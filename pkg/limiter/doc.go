/*
Package limiter is the public surface of Floodgate: a distributed,
multi-limit, hierarchical token-bucket rate limiter whose authoritative
state lives in DynamoDB.

A process builds one Limiter and derives scoped Namespace views from it;
every key a view touches is prefixed with its tenant's namespace id.
Requests acquire a Lease against one or more named limits on an
(entity, resource) pair, do their work, and reconcile the real usage
afterwards:

	ns, err := lim.Namespace(ctx, "prod")
	...
	lease, err := ns.Acquire(ctx, limiter.AcquireInput{
		EntityID: userID,
		Resource: "chat-completions",
		Consume:  map[string]int64{"rpm": 1, "tpm": estimate},
	})
	if err != nil { ... }
	defer lease.Close()

	usage := callModel(ctx)
	_ = lease.Adjust(ctx, map[string]int64{"tpm": usage - estimate})

Every acquire is one transactional write against all touched buckets,
conditioned per bucket on the refill clock observed during the read.
Concurrent writers serialize at the store; the loser re-reads and
retries. Rejections report every violated limit with its retry-after and
whether it belongs to the entity itself or to a parent it cascades into.

The library holds no durable local state. The three in-process caches
(namespace ids, entity records, config resolutions) are bounded, short
lived, and only ever hold configuration, never bucket state.
*/
package limiter
