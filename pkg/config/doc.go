/*
Package config resolves effective limits from the layered configuration
hierarchy.

Three scopes exist, most specific first: per-entity-per-resource,
per-resource, and the namespace's system defaults. The first scope with a
non-empty limit set wins; the on-unavailable policy comes from the winning
scope or, when it carries none, merges down from the system scope.
Caller-supplied limits bypass the store entirely unless the call asks for
stored limits to take precedence.

Resolutions sit in a bounded LRU with a short TTL in front of the store.
Misses collapse through a singleflight group so a herd of concurrent
acquires for one hot entity costs one read. Bucket state is never cached
here; only configuration is.
*/
package config
