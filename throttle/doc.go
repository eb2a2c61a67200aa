// Package throttle implements the login throttle guard: per-identifier
// failure counting with a progressive lockout ladder, persisted to a
// [store.Store] so decisions survive restarts and are shared by every process
// using the same store.
//
// # Architecture boundaries
//
// The guard only computes and persists attempt state. Calling the identity
// provider, turning lockouts into user-facing errors and emitting metrics is
// the caller's job (see clinicauth.Engine).
//
// # What this package must NOT do
//
//   - Return errors from its operations. Store failures are logged and the
//     guard continues on its in-process copy.
//   - Reset the lockout level anywhere except [Guard.ClearLockout].
//   - Log identifiers in clear text.
package throttle
