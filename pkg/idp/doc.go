// Package idp models the OpenID Connect identity providers this service
// trusts.
//
// Each Provider resolves its discovery document and signing keys through
// three tiers: an in-process value, the shared cache and finally the
// network. Concurrent first loads are coalesced and loaded values are
// swapped in atomically.
//
// Every endpoint of a discovery document must be served from the host of
// the configured base URI. Documents failing that check are rejected with
// a TrustValidationError and never cached, whether they came from the
// network or from the shared cache.
package idp
