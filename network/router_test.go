package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	calls []string
}

func (r *recorder) HandleAddTx(from int, m AddTx)         { r.calls = append(r.calls, "add") }
func (r *recorder) HandleConfirmTx(from int, m ConfirmTx) { r.calls = append(r.calls, "confirm") }
func (r *recorder) HandleCommitTx(from int, m CommitTx)   { r.calls = append(r.calls, "commit") }
func (r *recorder) HandleStatus(from int, m Status)       { r.calls = append(r.calls, "status") }
func (r *recorder) HandleTerminate(from int, m Terminate) { r.calls = append(r.calls, "terminate") }

func TestRouterDispatch(t *testing.T) {
	rec := &recorder{}
	router := Router{Consensus: rec, Termination: rec}
	for _, m := range []Message{
		AddTx{}, ConfirmTx{}, CommitTx{}, Status{}, Terminate{}, Connect{},
	} {
		router.Dispatch(1, m)
	}
	assert.Equal(t, []string{"add", "confirm", "commit", "status", "terminate"}, rec.calls)
}

func TestRouterWithoutHandlers(t *testing.T) {
	rec := &recorder{}
	router := Router{Termination: rec}
	router.Dispatch(0, AddTx{})
	router.Dispatch(0, Terminate{})
	assert.Equal(t, []string{"terminate"}, rec.calls)
}
