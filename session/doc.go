// Package session owns the authenticated identity of a dashboard client and
// the authorization role bound to it.
//
// [Resolver] is an explicit state machine (cold start, validating an existing
// session, authenticated with unknown role, authenticated with resolved role,
// unauthenticated). It reconciles push notifications from an
// [IdentityProvider], debouncing and de-duplicating them, and resolves roles
// through identity metadata, the [BindingCache] and a [RoleLookup].
//
// # Architecture boundaries
//
// Credential checks belong to the identity provider; lockout gating belongs to
// the caller (see the throttle package). Role bindings persist through a
// store.Store and are always re-read from it.
//
// # What this package must NOT do
//
//   - Attribute a role to any identity other than the current one.
//   - Surface validation or role lookup failures as errors; they become state
//     transitions.
//   - Hold its mutex across provider, lookup or store calls.
package session
