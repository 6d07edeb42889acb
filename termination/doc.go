// Package termination decides when a peer stops participating.
//
// ChainLength stops the peer once its chain reaches a target length (N by
// default). Gossip lets peers that are active exchange status messages at
// random intervals; a peer that heard from at least 2N/3 distinct peers
// broadcasts a terminate message and stops, and any peer receiving terminate
// stops at once.
//
// Both detectors only decide. The actual shutdown is delegated to a callback,
// always run on its own goroutine so it may close the links the triggering
// message arrived on.
package termination
