/*
Package store is the typed gateway to the DynamoDB table holding all
limiter state. No other package issues store calls.

The gateway exposes exactly the operations the engine needs: strongly
consistent point reads and batch reads of buckets, conditional puts for
configs and entities, paginated index queries, and the transactional
multi-item write that commits an acquire. Items are encoded with the
attributevalue codec except configs, whose per-limit attributes
(l_<name>_cp and friends) are flattened by hand.

Failure handling splits three ways:

  - transient errors (throttling, 5xx, connection resets) are retried here
    with full-jitter exponential backoff up to a configurable deadline
  - condition failures inside a transaction surface as ErrConflict; the
    acquire engine owns that retry policy
  - everything else is wrapped and returned

The DynamoAPI interface keeps the gateway testable; pkg/store/fake
implements it in memory, including the condition expressions the gateway
emits.
*/
package store
