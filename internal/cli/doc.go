// Package cli implements the clinicauthctl command tree: lockout inspection
// and administrative clears against the shared Redis store, config checks,
// and secret hashing for the local identity provider.
package cli
