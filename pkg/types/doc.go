/*
Package types defines the core data structures shared by every Floodgate
package.

The types here are the domain model of the rate limiter:

  - Limit: the shape of one token bucket (capacity, burst, refill rate),
    with per-second / per-minute / per-hour / per-day convenience
    constructors
  - Entity: a rate-limited principal, optionally a child of a parent entity
    whose buckets it cascades into
  - EffectiveLimits: the result of resolving the layered configuration
    (per-entity, per-resource, system defaults)
  - OnUnavailable: the fail-open / fail-closed policy applied when no
    limits can be resolved

Validation of names (entity ids, resource names, limit names, namespace
names) also lives here so that every surface applies the same rules.
*/
package types
