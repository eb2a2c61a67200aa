// Package local is a self-contained session.IdentityProvider for development,
// demos and tests. Accounts live in memory with Argon2id secret hashes; access
// tokens are HS256 JWTs signed with the jwt package; the current session is
// persisted to a store.Store like the hosted adapter does.
//
// # What this package must NOT do
//
//   - Count failed attempts or enforce lockouts.
//   - Reveal whether an unknown email exists (unknown accounts still pay for a
//     hash verification).
package local
