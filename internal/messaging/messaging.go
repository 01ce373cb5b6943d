// Package messaging implements the message write path: sending text and
// image messages, editing, the two deletion modes, and read receipts.
// Message documents are append-only; edits and deletions only flip fields
// on the stored envelope.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/blob"
	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
	"github.com/Chirraaa/chatty-sub000/internal/docstore"
	"github.com/Chirraaa/chatty-sub000/internal/envelope"
	"github.com/Chirraaa/chatty-sub000/internal/keystore"
	"github.com/Chirraaa/chatty-sub000/internal/logging"
)

// Service is the per-session messaging service. It carries the signed-in
// user's identity and key pair; construct one per session.
type Service struct {
	userID string
	keys   *cryptox.KeyPair

	store  docstore.Store
	blobs  blob.Store
	dir    keystore.Directory
	codec  *envelope.Codec
	unread UnreadRepository
	logger logging.Logger

	now func() time.Time
}

func NewService(userID string, keys *cryptox.KeyPair, store docstore.Store, blobs blob.Store, dir keystore.Directory, unread UnreadRepository, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Service{
		userID: userID,
		keys:   keys,
		store:  store,
		blobs:  blobs,
		dir:    dir,
		codec:  envelope.NewCodec(dir.Get),
		unread: unread,
		logger: logger,
		now:    time.Now,
	}
}

// Codec exposes the envelope codec bound to this session's directory, for
// read paths that open stored envelopes.
func (s *Service) Codec() *envelope.Codec {
	return s.codec
}

// SendText encrypts and stores a text message to receiverID, returning the
// new message id. The recipient's public key is resolved before anything
// is written, so a missing key fails fast with common.ErrPeerKeyMissing
// and leaves no partial document behind.
func (s *Service) SendText(ctx context.Context, receiverID, text string) (string, error) {
	return s.send(ctx, receiverID, envelope.KindText, []byte(text))
}

// SendImage encrypts the image bytes under a fresh symmetric key, uploads
// the ciphertext to the blob store, and sends an image message whose
// sealed payload carries the object key and content key.
func (s *Service) SendImage(ctx context.Context, receiverID string, image []byte) (string, error) {
	contentKey, err := cryptox.GenerateSymmetricKey()
	if err != nil {
		return "", err
	}
	sealed, err := cryptox.EncryptSecretbox(contentKey, image)
	if err != nil {
		return "", err
	}

	objectKey := blob.RandomObjectKey()
	if err := s.blobs.Put(ctx, objectKey, []byte(sealed)); err != nil {
		return "", err
	}

	payload, err := json.Marshal(envelope.Attachment{
		ObjectKey:  objectKey,
		ContentKey: cryptox.EncodeKey(contentKey),
	})
	if err != nil {
		return "", fmt.Errorf("encoding attachment: %w", err)
	}
	return s.send(ctx, receiverID, envelope.KindImage, payload)
}

func (s *Service) send(ctx context.Context, receiverID string, kind envelope.Kind, plaintext []byte) (string, error) {
	receiverPub, err := s.dir.Get(ctx, receiverID)
	if err != nil {
		return "", err
	}

	pair, err := s.codec.Seal(plaintext, receiverPub, s.keys)
	if err != nil {
		return "", err
	}

	id, err := s.store.Add(ctx, envelope.Collection, map[string]any{
		"senderId":             s.userID,
		"receiverId":           receiverID,
		"type":                 string(kind),
		"encrypted":            true,
		"encryptedForReceiver": pair.ForReceiver,
		"encryptedForSender":   pair.ForSender,
		"timestamp":            docstore.ServerTimestamp,
		"localTimestamp":       s.now().UTC().Format(time.RFC3339Nano),
		"read":                 false,
	})
	if err != nil {
		return "", fmt.Errorf("storing message: %w", err)
	}
	s.logger.Debug(ctx, "message sent", "messageId", id, "receiverId", receiverID, "type", string(kind))
	return id, nil
}

// FetchImage downloads and decrypts the image an attachment points at.
func (s *Service) FetchImage(ctx context.Context, att envelope.Attachment) ([]byte, error) {
	sealed, err := s.blobs.Get(ctx, att.ObjectKey)
	if err != nil {
		return nil, err
	}
	contentKey, err := cryptox.DecodeKey(att.ContentKey)
	if err != nil {
		return nil, fmt.Errorf("attachment content key: %w", err)
	}
	return cryptox.DecryptSecretbox(contentKey, string(sealed))
}

// Edit replaces the plaintext of a message the current user sent,
// re-sealing it for both parties and marking the envelope edited. The
// edit timestamp is server-assigned.
func (s *Service) Edit(ctx context.Context, messageID, newText string) error {
	env, err := s.loadOwn(ctx, messageID)
	if err != nil {
		return err
	}
	if env.Kind != envelope.KindText {
		return fmt.Errorf("message %s is not editable text", messageID)
	}

	receiverPub, err := s.dir.Get(ctx, env.ReceiverID)
	if err != nil {
		return err
	}
	pair, err := s.codec.Seal([]byte(newText), receiverPub, s.keys)
	if err != nil {
		return err
	}

	return s.store.Update(ctx, envelope.Collection, messageID, map[string]any{
		"encryptedForReceiver": pair.ForReceiver,
		"encryptedForSender":   pair.ForSender,
		"edited":               true,
		"editedAt":             docstore.ServerTimestamp,
	})
}

// DeleteForEveryone marks a message the current user sent as deleted for
// both parties and blanks its ciphertext.
func (s *Service) DeleteForEveryone(ctx context.Context, messageID string) error {
	if _, err := s.loadOwn(ctx, messageID); err != nil {
		return err
	}
	return s.store.Update(ctx, envelope.Collection, messageID, map[string]any{
		"deletedForEveryone":   true,
		"encryptedForReceiver": "",
		"encryptedForSender":   "",
		"encryptedContent":     "",
	})
}

// DeleteForMe hides a message from the current user's view only. Either
// party may do this to any message in their conversation.
func (s *Service) DeleteForMe(ctx context.Context, messageID string) error {
	return s.store.Update(ctx, envelope.Collection, messageID, map[string]any{
		envelope.DeletedForField(s.userID): true,
	})
}

// MarkConversationRead flags every unread message from peerID to the
// current user as read and clears the local unread counter.
func (s *Service) MarkConversationRead(ctx context.Context, peerID string) error {
	docs, err := s.store.Query(ctx, envelope.Collection,
		docstore.Eq("senderId", peerID),
		docstore.Eq("receiverId", s.userID),
		docstore.Eq("read", false),
	)
	if err != nil {
		return fmt.Errorf("querying unread messages: %w", err)
	}
	for _, doc := range docs {
		if err := s.store.Update(ctx, envelope.Collection, doc.ID, map[string]any{"read": true}); err != nil {
			return err
		}
	}
	if s.unread != nil {
		if err := s.unread.Clear(ctx, s.userID, peerID); err != nil {
			return err
		}
	}
	return nil
}

// RecordIncoming bumps the local unread counter for an incoming message.
// Callers invoke it from the change feed when a new message from peerID
// arrives while the conversation is not open.
func (s *Service) RecordIncoming(ctx context.Context, peerID string) error {
	if s.unread == nil {
		return nil
	}
	return s.unread.Increment(ctx, s.userID, peerID)
}

// UnreadCount reads the local unread counter for a conversation.
func (s *Service) UnreadCount(ctx context.Context, peerID string) (int64, error) {
	if s.unread == nil {
		return 0, nil
	}
	return s.unread.Get(ctx, s.userID, peerID)
}

// loadOwn fetches a message and verifies the current user sent it.
func (s *Service) loadOwn(ctx context.Context, messageID string) (envelope.Envelope, error) {
	doc, err := s.store.Get(ctx, envelope.Collection, messageID)
	if errors.Is(err, common.ErrNotFound) {
		return envelope.Envelope{}, fmt.Errorf("message %s: %w", messageID, common.ErrNotFound)
	}
	if err != nil {
		return envelope.Envelope{}, err
	}
	env := envelope.FromDocument(doc)
	if env.SenderID != s.userID {
		return envelope.Envelope{}, fmt.Errorf("message %s was not sent by %s", messageID, s.userID)
	}
	return env, nil
}
