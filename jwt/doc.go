// Package jwt parses and verifies access tokens issued by the hosted identity
// provider, and can sign tokens of the same shape for local providers and
// tests.
//
// # What this package must NOT do
//
//   - Accept tokens signed with an algorithm other than the configured one.
//   - Read claims without verification unless Config.SkipVerification is set.
package jwt
