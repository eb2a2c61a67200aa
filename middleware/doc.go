// Package middleware exposes HTTP middleware that gates dashboard routes on
// the session state held by a clinicauth Engine.
//
// # Guards
//
//   - [RequireSession]: any authenticated identity.
//   - [RequireRole]: an authenticated identity holding one of the given roles.
//   - [LimitSignInByIP]: per-address request budget for the sign-in route.
//
// While the session is still initializing the guards answer 503 with
// Retry-After instead of rejecting, so a cold start never bounces a signed-in
// user to the login page.
//
// # What this package must NOT do
//
//   - Resolve roles or contact the identity provider (the engine does).
//   - Treat RoleNone as any role.
package middleware
