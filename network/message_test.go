package network

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/pow-consensus/ledger"
)

func sampleBlock() ledger.Block {
	return ledger.Block{
		Sequence:  3,
		Payload:   "abc",
		Nonce:     42,
		PrevHash:  ledger.GenesisHash,
		CurrHash:  "00ff",
		LeaderID:  2,
		RoundID:   7,
		Timestamp: 1700000000.5,
	}
}

func TestEncodeIsOneLine(t *testing.T) {
	line, err := Encode(AddTx{Block: sampleBlock()})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.Equal(t, 1, bytes.Count(line, []byte("\n")))
}

func TestWireFieldNames(t *testing.T) {
	line, err := Encode(ConfirmTx{RoundID: 0, PeerID: 0})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(line, &raw))
	assert.Equal(t, "CONFIRM_TX", raw["type"])
	assert.Contains(t, raw, "round_id")
	assert.Contains(t, raw, "peer_id")

	line, err = Encode(CommitTx{Block: sampleBlock()})
	require.NoError(t, err)
	raw = nil
	require.NoError(t, json.Unmarshal(line, &raw))
	assert.Equal(t, "COMMIT_TX", raw["type"])
	tx, ok := raw["transaction"].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{"sequence", "payload", "nonce", "prev_hash", "curr_hash", "leader_id", "round_id", "timestamp"} {
		assert.Contains(t, tx, field)
	}
}

func TestDecodeEveryType(t *testing.T) {
	messages := []Message{
		Connect{PeerID: 0},
		Status{PeerID: 1, ConnectedPeers: []int{0, 2}},
		Terminate{PeerID: 2},
		AddTx{Block: sampleBlock()},
		ConfirmTx{RoundID: 7, PeerID: 1},
		CommitTx{Block: sampleBlock()},
	}
	for _, m := range messages {
		t.Run(string(m.Type()), func(t *testing.T) {
			line, err := Encode(m)
			require.NoError(t, err)
			decoded, err := Decode(line)
			require.NoError(t, err)
			assert.Equal(t, m, decoded)
		})
	}
}

func TestDecodeForeignLines(t *testing.T) {
	m, err := Decode([]byte(`{"type": "connect", "peer_id": 4}`))
	require.NoError(t, err)
	assert.Equal(t, Connect{PeerID: 4}, m)

	m, err = Decode([]byte(`{"type": "status", "peer_id": 1}` + "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, Status{PeerID: 1}, m)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type": "VOTE"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"type": "ADD_TX"}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`{"type": "CONFIRM_TX", "peer_id": 1}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`{"type": "connect"}`))
	assert.ErrorIs(t, err, ErrMissingField)
}
