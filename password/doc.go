// Package password hashes and verifies sign-in secrets with Argon2id for the
// local identity provider.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<KiB>,t=<iterations>,p=<lanes>$<salt>$<key>
//
// with unpadded standard base64. [Hasher.NeedsRehash] reports hashes produced
// with weaker parameters than the current [Config].
//
// # What this package must NOT do
//
//   - Store secrets or hashes.
//   - Log secrets or hash parameters.
package password
