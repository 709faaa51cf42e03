// Package session owns the reliability primitives shared by both ends of a
// serial link.
//
// Ownership boundary:
// - engine configuration and defaults
// - ack/handshake waiter table
// - session id allocation
// - reconnect backoff
// - file metadata, payload compression and digests
package session
