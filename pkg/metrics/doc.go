/*
Package metrics defines the Prometheus collectors exported by Floodgate.

Collectors are package-level variables so any package can observe without
plumbing. Nothing is registered implicitly; the embedding application calls
Register with its registerer of choice, which keeps the library usable in
processes that already own the default registry.
*/
package metrics
