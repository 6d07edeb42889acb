// Package consensus implements the round-robin leader protocol that decides,
// round after round, which proof of work sealed block every peer appends to
// its chain.
//
// # Core Components
//
// Engine: the consensus state machine of a single peer. It owns the current
// round, the pending block and confirmation tables and the set of committed
// rounds, and drives leader mining.
//
// NetworkLayer: interface for the peer-to-peer links, implemented by
// network.Peer.
//
// # Consensus Protocol
//
// The leader of round r is the peer with id r mod N. Each round:
//  1. The leader builds a candidate linked to its chain tail, mines it and
//     broadcasts it in an ADD_TX message
//  2. Each follower verifies the block and sends CONFIRM_TX to the leader only
//  3. Once N/3 + 1 distinct followers confirmed, the leader broadcasts
//     COMMIT_TX and commits locally
//  4. Every peer re-verifies and appends the block, then moves to round r + 1
//
// Invalid blocks are ignored without notice. While its block is uncommitted
// the leader re-broadcasts it on every round tick; a follower confirms a given
// block at most once. A commit that arrives ahead of the chain tail is held
// until the commits before it have been applied.
//
// # Known Limitations
//
// There is no leader timeout: if the leader of a round never gets its block
// confirmed the whole network stalls on that round. The quorum of N/3 + 1
// bare peer ids is not a proven Byzantine fault tolerant quorum.
package consensus
