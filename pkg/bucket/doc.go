/*
Package bucket implements the token-bucket algebra on bucket snapshots.

Every function here is pure and deterministic: given a snapshot and a wall
time in Unix milliseconds it returns a new snapshot and never performs I/O.
The acquire engine reads snapshots from the store, applies this algebra,
and writes the results back under an optimistic concurrency check.

All arithmetic is int64 on milli-tokens (thousandths of a token), so refill
rates below one token per millisecond work without floats. Floating point
appears only at the edge, converting a deficit into retry-after seconds.
*/
package bucket
