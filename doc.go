// Package clinicauth is the authentication core of the clinic dashboard: a
// login throttle with escalating lockouts in front of a hosted identity
// provider, and a session/role resolver that keeps the current identity and
// its role (admin, psychologist or none) consistent across restarts.
//
// [Engine] is the public surface, built with [Builder]. SignIn gates on the
// lockout state, asks the provider, reports the outcome to the throttle and
// resolves the role. Methods are safe for concurrent use.
//
// # Architecture boundaries
//
// The throttle lives in package throttle and the resolver in package session;
// both persist through a store.Store. Provider and role-lookup adapters live
// in packages idp and rolelookup. Audit dispatch and metric primitives live
// under internal/.
//
// # What this package must NOT do
//
//   - Check passwords itself; credentials are verified by the provider.
//   - Count transport failures as failed sign-in attempts.
//   - Log or audit raw identifiers or secrets.
//   - Import any sub-package that re-imports clinicauth.
package clinicauth
