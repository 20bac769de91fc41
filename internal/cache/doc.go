// Package cache defines the disk-backed request cache the worker persists
// responses into. A Storage holds named caches; each cache maps a request key
// (absolute URL string) to one stored response made of a body file plus a JSON
// metadata sidecar. Writes go through temp file + rename so readers never see
// partial bodies. ContentStore layers the hash-addressed key scheme
// (<scope><hash>) on top and owns the stale-hash sweep used by the collector.
package cache
