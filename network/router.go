package network

import "log/slog"

// ConsensusHandler handles the messages of the round protocol.
type ConsensusHandler interface {
	HandleAddTx(from int, m AddTx)
	HandleConfirmTx(from int, m ConfirmTx)
	HandleCommitTx(from int, m CommitTx)
}

// TerminationHandler handles the messages of the termination protocol.
type TerminationHandler interface {
	HandleStatus(from int, m Status)
	HandleTerminate(from int, m Terminate)
}

// Router is the Dispatcher of a node: it routes each message type to the
// component owning it. Messages without a handler are dropped.
type Router struct {
	Consensus   ConsensusHandler
	Termination TerminationHandler
	Logger      *slog.Logger
}

func (r Router) Dispatch(from int, m Message) {
	switch m := m.(type) {
	case AddTx:
		if r.Consensus != nil {
			r.Consensus.HandleAddTx(from, m)
			return
		}
	case ConfirmTx:
		if r.Consensus != nil {
			r.Consensus.HandleConfirmTx(from, m)
			return
		}
	case CommitTx:
		if r.Consensus != nil {
			r.Consensus.HandleCommitTx(from, m)
			return
		}
	case Status:
		if r.Termination != nil {
			r.Termination.HandleStatus(from, m)
			return
		}
	case Terminate:
		if r.Termination != nil {
			r.Termination.HandleTerminate(from, m)
			return
		}
	}
	if r.Logger != nil {
		r.Logger.Debug("dropping message without handler", "from", from, "type", m.Type())
	}
}
