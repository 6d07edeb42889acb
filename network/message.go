package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luca-patrignani/pow-consensus/ledger"
)

// MsgType is the "type" discriminator of a wire message.
type MsgType string

const (
	MsgConnect   MsgType = "connect"
	MsgStatus    MsgType = "status"
	MsgTerminate MsgType = "terminate"
	MsgAddTx     MsgType = "ADD_TX"
	MsgConfirmTx MsgType = "CONFIRM_TX"
	MsgCommitTx  MsgType = "COMMIT_TX"
)

var (
	ErrUnknownType  = errors.New("network: unknown message type")
	ErrMissingField = errors.New("network: missing message field")
)

// Message is one of Connect, Status, Terminate, AddTx, ConfirmTx or CommitTx.
// The set is closed: only this package can add variants.
type Message interface {
	Type() MsgType
	isMessage()
}

// Connect identifies the sender of a freshly opened connection.
type Connect struct {
	PeerID int
}

// Status is the periodic gossip of the termination protocol.
type Status struct {
	PeerID         int
	ConnectedPeers []int
}

// Terminate asks every receiver to shut down.
type Terminate struct {
	PeerID int
}

// AddTx carries a block proposed by the leader of its round.
type AddTx struct {
	Block ledger.Block
}

// ConfirmTx is a follower's confirmation of the block of a round.
type ConfirmTx struct {
	RoundID uint64
	PeerID  int
}

// CommitTx carries a block that reached quorum.
type CommitTx struct {
	Block ledger.Block
}

func (Connect) Type() MsgType   { return MsgConnect }
func (Status) Type() MsgType    { return MsgStatus }
func (Terminate) Type() MsgType { return MsgTerminate }
func (AddTx) Type() MsgType     { return MsgAddTx }
func (ConfirmTx) Type() MsgType { return MsgConfirmTx }
func (CommitTx) Type() MsgType  { return MsgCommitTx }

func (Connect) isMessage()   {}
func (Status) isMessage()    {}
func (Terminate) isMessage() {}
func (AddTx) isMessage()     {}
func (ConfirmTx) isMessage() {}
func (CommitTx) isMessage()  {}

// envelope is the JSON object written on the wire, one per line.
type envelope struct {
	Type           MsgType       `json:"type"`
	PeerID         *int          `json:"peer_id,omitempty"`
	RoundID        *uint64       `json:"round_id,omitempty"`
	Transaction    *ledger.Block `json:"transaction,omitempty"`
	ConnectedPeers []int         `json:"connected_peers,omitempty"`
}

// Encode renders m as a single JSON line terminated by '\n'.
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch m := m.(type) {
	case Connect:
		env = envelope{Type: MsgConnect, PeerID: &m.PeerID}
	case Status:
		env = envelope{Type: MsgStatus, PeerID: &m.PeerID, ConnectedPeers: m.ConnectedPeers}
	case Terminate:
		env = envelope{Type: MsgTerminate, PeerID: &m.PeerID}
	case AddTx:
		env = envelope{Type: MsgAddTx, Transaction: &m.Block}
	case ConfirmTx:
		env = envelope{Type: MsgConfirmTx, RoundID: &m.RoundID, PeerID: &m.PeerID}
	case CommitTx:
		env = envelope{Type: MsgCommitTx, Transaction: &m.Block}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses one line produced by Encode. Surrounding whitespace is ignored.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(bytes.TrimSpace(line), &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case MsgConnect:
		if env.PeerID == nil {
			return nil, missing(env.Type, "peer_id")
		}
		return Connect{PeerID: *env.PeerID}, nil
	case MsgStatus:
		if env.PeerID == nil {
			return nil, missing(env.Type, "peer_id")
		}
		return Status{PeerID: *env.PeerID, ConnectedPeers: env.ConnectedPeers}, nil
	case MsgTerminate:
		if env.PeerID == nil {
			return nil, missing(env.Type, "peer_id")
		}
		return Terminate{PeerID: *env.PeerID}, nil
	case MsgAddTx:
		if env.Transaction == nil {
			return nil, missing(env.Type, "transaction")
		}
		return AddTx{Block: *env.Transaction}, nil
	case MsgConfirmTx:
		if env.RoundID == nil {
			return nil, missing(env.Type, "round_id")
		}
		if env.PeerID == nil {
			return nil, missing(env.Type, "peer_id")
		}
		return ConfirmTx{RoundID: *env.RoundID, PeerID: *env.PeerID}, nil
	case MsgCommitTx:
		if env.Transaction == nil {
			return nil, missing(env.Type, "transaction")
		}
		return CommitTx{Block: *env.Transaction}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func missing(t MsgType, field string) error {
	return fmt.Errorf("%w: %s in %s", ErrMissingField, field, t)
}
