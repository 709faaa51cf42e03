// Package link is the serial transport engine. A Link owns one port, runs a
// single read loop that frames inbound bytes and dispatches packets, and
// exposes the outbound operations: short messages, chunked transfers with
// stop-and-wait acknowledgment, and file transfers behind a request/accept
// handshake.
//
// Ownership boundary:
//   - frame encodes, decodes, and resynchronizes the byte stream.
//   - session holds engine config, waiter tables, id allocation, and file
//     metadata.
//   - link wires both to a Port and reports activity through Handlers.
package link
