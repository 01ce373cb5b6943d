package envelope

import (
	"context"
	"encoding/json"

	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
)

// KeyResolver looks a user's public key up in the directory.
type KeyResolver func(ctx context.Context, userID string) (cryptox.Key, error)

// Codec seals plaintexts into dual-encrypted pairs and opens stored
// envelopes for a viewer. Decrypt failures become a DecryptionError
// result, never an error crossing this boundary.
type Codec struct {
	resolve KeyResolver
}

func NewCodec(resolve KeyResolver) *Codec {
	return &Codec{resolve: resolve}
}

// Seal encrypts plaintext once under the receiver's public key and once
// under the sender's own, with independent random nonces.
func (c *Codec) Seal(plaintext []byte, receiverPub cryptox.Key, sender *cryptox.KeyPair) (EncryptedPair, error) {
	forReceiver, err := cryptox.EncryptBox(receiverPub, sender.Secret, plaintext)
	if err != nil {
		return EncryptedPair{}, err
	}
	forSender, err := cryptox.EncryptBox(sender.Public, sender.Secret, plaintext)
	if err != nil {
		return EncryptedPair{}, err
	}
	return EncryptedPair{ForReceiver: forReceiver, ForSender: forSender}, nil
}

// Open decrypts the copy of the envelope addressed to the viewer.
//
// The sender opens their own copy, which was sealed against their own key
// pair; box encryption between a key pair and itself is a valid
// construction, so the viewer's public key serves as the "their key"
// parameter. Receivers open the receiver copy against the sender's
// published public key. Envelopes in the legacy single-field shape fall
// back to that one ciphertext.
func (c *Codec) Open(ctx context.Context, env Envelope, viewerID string, viewer *cryptox.KeyPair) DecryptedMessage {
	msg := DecryptedMessage{Envelope: env}

	if !env.Encrypted && env.PlainContent != "" {
		// Pre-encryption history was stored in the clear.
		msg.Content = env.PlainContent
		return msg
	}

	plaintext, ok := c.openCiphertext(ctx, env, viewerID, viewer)
	if !ok {
		return decryptFailure(env)
	}

	switch env.Kind {
	case KindImage:
		var att Attachment
		if err := json.Unmarshal(plaintext, &att); err != nil || att.ObjectKey == "" {
			return decryptFailure(env)
		}
		msg.Attachment = &att
	default:
		msg.Content = string(plaintext)
	}
	return msg
}

func (c *Codec) openCiphertext(ctx context.Context, env Envelope, viewerID string, viewer *cryptox.KeyPair) ([]byte, bool) {
	isSender := viewerID == env.SenderID

	if env.EncryptedForReceiver == "" && env.EncryptedForSender == "" {
		return c.openLegacy(ctx, env, isSender, viewer)
	}

	if isSender {
		plaintext, err := cryptox.DecryptBox(viewer.Public, viewer.Secret, env.EncryptedForSender)
		return plaintext, err == nil
	}

	senderPub, err := c.resolve(ctx, env.SenderID)
	if err != nil {
		return nil, false
	}
	plaintext, err := cryptox.DecryptBox(senderPub, viewer.Secret, env.EncryptedForReceiver)
	return plaintext, err == nil
}

// openLegacy handles the single-ciphertext shape: one box sealed from the
// sender to the receiver. A box is symmetric in the two key pairs, so
// either party can open it: the receiver against the sender's public key,
// the sender against the receiver's.
func (c *Codec) openLegacy(ctx context.Context, env Envelope, isSender bool, viewer *cryptox.KeyPair) ([]byte, bool) {
	if env.LegacyCiphertext == "" {
		return nil, false
	}

	counterpartID := env.SenderID
	if isSender {
		counterpartID = env.ReceiverID
	}
	counterpartPub, err := c.resolve(ctx, counterpartID)
	if err != nil {
		return nil, false
	}
	plaintext, err := cryptox.DecryptBox(counterpartPub, viewer.Secret, env.LegacyCiphertext)
	return plaintext, err == nil
}

func decryptFailure(env Envelope) DecryptedMessage {
	return DecryptedMessage{
		Envelope:        env,
		Content:         DecryptErrorPlaceholder,
		DecryptionError: true,
	}
}
