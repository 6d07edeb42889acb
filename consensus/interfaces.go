package consensus

import "github.com/luca-patrignani/pow-consensus/network"

// NetworkLayer abstracts the peer-to-peer links the engine talks through.
// *network.Peer implements it.
type NetworkLayer interface {
	// Broadcast sends m to every connected peer and returns how many were reached.
	Broadcast(m network.Message) int

	// Send delivers m to the peer with the given rank only.
	Send(to int, m network.Message) error

	// GetRank returns this node's identifier in [0, GetPeerCount()).
	GetRank() int

	// GetPeerCount returns the total number of nodes including this one.
	GetPeerCount() int
}
