// Package session carries DebugLink frames over TCP.
//
// Ownership boundary:
// - accept loop, per-connection session ids and teardown
// - frame authentication (keyed blake2b) and optional TLS/mTLS
// - client dial with connect backoff; requests are never retried
package session
