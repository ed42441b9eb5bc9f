package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbnet/pkg/model"
)

func TestLoadOrCreatePersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	meta := model.NodeInfo{NodeType: model.NodeTypeShare, Name: "lab"}

	first, err := LoadOrCreate(path, meta)
	require.NoError(t, err)
	second, err := LoadOrCreate(path, meta)
	require.NoError(t, err)

	assert.Equal(t, first.NodeID(), second.NodeID())
	assert.Len(t, first.NodeID(), 12)
	assert.Equal(t, "lab", second.Info().Name)
	assert.Contains(t, first.Fingerprint(), "SHA256:")
}

func TestSignVerify(t *testing.T) {
	id, err := Generate(model.NodeInfo{NodeType: model.NodeTypeHub})
	require.NoError(t, err)
	pub, err := ParsePublicKey(id.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), NodeID(pub))

	msg := []byte(`{"command":"ack","timestamp":1}`)
	sig := id.Sign(msg)
	assert.True(t, Verify(pub, msg, sig))
	assert.False(t, Verify(pub, []byte(`{"command":"ack","timestamp":2}`), sig))
	assert.False(t, Verify(pub, msg, sig[:10]))
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey("zz")
	assert.Error(t, err)
	_, err = ParsePublicKey("abcd")
	assert.Error(t, err)
}
