// Package rolelookup provides session.RoleLookup implementations: a
// PostgreSQL registry lookup backed by pgx and a static table for
// development and tests.
//
// A registry is a table listing professionals by user id or email. Presence
// in a registry grants the registry's role; absence is not an error.
package rolelookup
