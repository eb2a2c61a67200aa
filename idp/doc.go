// Package idp implements session.IdentityProvider against a GoTrue-compatible
// hosted auth REST API (password grant, refresh grant, /user and /logout).
//
// The current provider session is persisted to a store.Store under
// store.KeyProviderSession so it survives restarts and is visible to every
// process sharing the store. Access tokens are optionally verified with the
// jwt package before a stored session is trusted.
//
// # What this package must NOT do
//
//   - Count failed attempts or enforce lockouts.
//   - Resolve roles.
//   - Log tokens or secrets.
package idp
