// Package auth resolves the three credential classes of the controller:
// the shared admin key, per-build access tokens handed to submitters, and
// short-TTL worker session tokens. All token comparisons are constant time
// and run even when the target record does not exist, so response timing
// never reveals whether a build or worker ID is real.
package auth
