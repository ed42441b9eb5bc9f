package tunnel

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"kbnet/pkg/identity"
)

// Envelope carries a serialized message and the signature over exactly those bytes.
// PublicKey is only present on a child's first registration message.
type Envelope struct {
	Message   json.RawMessage `json:"message"`
	NodeID    string          `json:"kbnode_id"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key,omitempty"`
}

// Seal stamps msg with the sender's node id and the current time, serializes it and
// signs the serialized bytes.
func Seal(id *identity.Identity, msg Message, withKey bool) (Envelope, error) {
	msg.Timestamp = time.Now().UnixMilli()
	msg.NodeID = id.NodeID()
	body, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal message: %w", err)
	}
	env := Envelope{
		Message:   body,
		NodeID:    id.NodeID(),
		Signature: hex.EncodeToString(id.Sign(body)),
	}
	if withKey {
		env.PublicKey = id.PublicKeyHex()
	}
	return env, nil
}

// Open verifies env against pub and decodes its message. The timestamp is carried
// but not checked against any replay window.
func Open(env Envelope, pub ed25519.PublicKey) (Message, error) {
	sig, err := hex.DecodeString(env.Signature)
	if err != nil || !identity.Verify(pub, env.Message, sig) {
		return Message{}, fmt.Errorf("%w: node %s", ErrSignature, env.NodeID)
	}
	return Decode(env)
}

// Decode parses the message without verifying it. Used by children, which trust
// the channel to their parent.
func Decode(env Envelope) (Message, error) {
	var msg Message
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: decode message: %v", ErrProtocol, err)
	}
	if msg.NodeID != env.NodeID {
		return Message{}, fmt.Errorf("%w: envelope node %q carries message from %q", ErrProtocol, env.NodeID, msg.NodeID)
	}
	return msg, nil
}
