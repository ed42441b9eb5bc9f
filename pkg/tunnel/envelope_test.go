package tunnel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbnet/pkg/identity"
	"kbnet/pkg/model"
)

func TestSealOpen(t *testing.T) {
	id, err := identity.Generate(model.NodeInfo{NodeType: model.NodeTypeShare})
	require.NoError(t, err)
	info := id.Info()
	msg := NewCommand(KindRegisterChildNode)
	msg.Info = &info

	env, err := Seal(id, msg, true)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKeyHex(), env.PublicKey)

	pub, err := identity.ParsePublicKey(env.PublicKey)
	require.NoError(t, err)
	got, err := Open(env, pub)
	require.NoError(t, err)
	assert.Equal(t, KindRegisterChildNode, got.Kind())
	assert.Equal(t, id.NodeID(), got.NodeID)
	assert.NotZero(t, got.Timestamp)
}

func TestOpenRejectsAlteredMessage(t *testing.T) {
	id, err := identity.Generate(model.NodeInfo{NodeType: model.NodeTypeLeaf})
	require.NoError(t, err)
	env, err := Seal(id, NewCommand(KindReportNodeData), false)
	require.NoError(t, err)
	pub, _ := identity.ParsePublicKey(id.PublicKeyHex())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Message, &body))
	body["timestamp"] = body["timestamp"].(float64) + 1
	env.Message, err = json.Marshal(body)
	require.NoError(t, err)

	_, err = Open(env, pub)
	assert.True(t, errors.Is(err, ErrSignature))
}

func TestOpenRejectsForeignKey(t *testing.T) {
	a, _ := identity.Generate(model.NodeInfo{})
	b, _ := identity.Generate(model.NodeInfo{})
	env, err := Seal(a, NewCommand(KindAck), false)
	require.NoError(t, err)
	pub, _ := identity.ParsePublicKey(b.PublicKeyHex())
	_, err = Open(env, pub)
	assert.True(t, errors.Is(err, ErrSignature))
}

func TestDecodeRejectsMismatchedNodeID(t *testing.T) {
	id, _ := identity.Generate(model.NodeInfo{})
	env, err := Seal(id, NewCommand(KindAck), false)
	require.NoError(t, err)
	env.NodeID = "someoneelse"
	_, err = Decode(env)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindHTTP, ParseKind("http"))
	assert.Equal(t, KindSetTopHubURL, ParseKind("set_top_hub_url"))
	assert.Equal(t, KindUnknown, ParseKind("reboot"))
	assert.Equal(t, KindConfirmRegistration, NewMessageType(KindConfirmRegistration).Kind())
}
