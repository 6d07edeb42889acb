// Package network provides the peer-to-peer links between the nodes of the
// consensus. Every pair of nodes is joined by a TCP connection, optionally
// wrapped in TLS, that carries one JSON message per line.
//
// # Core Components
//
// Peer: the connection manager. It listens on its own address, dials the
// others until every one of them is connected (or the retry budget runs out)
// and tracks two connectivity levels:
//   - active: at least half of the other peers are connected
//   - fully connected: every other peer is connected
//
// Both levels are reached at most once and fire the callbacks registered with
// OnActive and OnFullyConnected.
//
// Message: the closed set of wire messages, with Encode and Decode for the
// line format. Malformed lines are discarded by the Peer.
//
// Router: dispatches inbound messages to the consensus and termination handlers.
//
// # Handshake
//
// The first line written on a connection by the dialing side is a connect
// message with its id. The accepting side rejects connections whose first line
// is anything else, or whose id is unknown or its own. Messages are then
// attributed to that id.
//
// # Delivery
//
// Broadcast and Send are best effort: a failed write closes the link and the
// message is not retried. Links lost after the Peer is fully connected are
// not re-established.
package network
