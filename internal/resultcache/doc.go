// Package resultcache persists verdicts in SQLite keyed by the video's
// SHA-256 and a fingerprint of the settings that produced them.
//
// INCONCLUSIVE results are never stored so a transient outage (model server
// down, decode timeout) is retried on the next request.
package resultcache
