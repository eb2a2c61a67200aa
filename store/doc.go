// Package store defines the durable key-value port used by the throttle guard,
// the role binding cache and the identity provider adapter, plus two
// implementations: an in-process [Memory] store and a Redis-backed [Redis] store.
//
// # Architecture boundaries
//
// Values are opaque strings. Callers own their encoding (JSON records in
// practice). Implementations may additionally satisfy [Updater] for atomic
// read-modify-write and [Watcher] for change notifications written by other
// processes sharing the same backend.
//
// # What this package must NOT do
//
//   - Interpret stored values.
//   - Cache values in memory across calls (Redis reads always go to Redis).
//   - Import clinicauth or any sibling package.
package store
