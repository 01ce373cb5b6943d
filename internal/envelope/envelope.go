// Package envelope defines the dual-encrypted message envelope and the
// codec that seals and opens it.
//
// Every message is encrypted twice: once for the receiver (so they can
// read it) and once for the sender's own key pair (so the sender can
// re-read their sent history without any plaintext being retained).
package envelope

import (
	"strings"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/docstore"
)

// Kind tags the payload type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Collection is the document-store collection holding message envelopes.
const Collection = "messages"

// deletedForPrefix prefixes the per-user soft-delete flags, e.g.
// "deletedFor_alice".
const deletedForPrefix = "deletedFor_"

// EncryptedPair is the two ciphertexts produced by sealing one plaintext.
type EncryptedPair struct {
	ForReceiver string
	ForSender   string
}

// Envelope is a message document as stored. Append-only except for the
// edited*, deletedFor*, and read fields; never physically deleted.
type Envelope struct {
	ID         string
	SenderID   string
	ReceiverID string
	Kind       Kind

	// Encrypted distinguishes the current dual-encrypted shape from
	// pre-encryption plaintext history.
	Encrypted            bool
	EncryptedForReceiver string
	EncryptedForSender   string

	// LegacyCiphertext carries the single-field shape produced before
	// dual encryption shipped.
	LegacyCiphertext string

	// PlainContent is set on unencrypted legacy messages only.
	PlainContent string

	Timestamp time.Time
	// Pending marks an envelope whose server timestamp has not been
	// assigned yet; Timestamp then holds the local clock estimate.
	Pending bool

	Edited             bool
	EditedAt           time.Time
	DeletedForEveryone bool
	DeletedFor         map[string]bool
	Read               bool
}

// DeletedForUser reports whether the envelope is soft-deleted from the
// given user's view, either individually or for everyone.
func (e Envelope) DeletedForUser(userID string) bool {
	return e.DeletedForEveryone || e.DeletedFor[userID]
}

// FromDocument parses a stored document into an Envelope. Unknown or
// malformed fields degrade to zero values; decryption is where integrity
// is actually enforced.
func FromDocument(doc docstore.Document) Envelope {
	f := doc.Fields
	e := Envelope{
		ID:         doc.ID,
		DeletedFor: make(map[string]bool),
		Kind:       KindText,
	}

	e.SenderID, _ = docstore.AsString(f["senderId"])
	e.ReceiverID, _ = docstore.AsString(f["receiverId"])
	if kind, ok := docstore.AsString(f["type"]); ok && kind != "" {
		e.Kind = Kind(kind)
	}

	e.Encrypted, _ = docstore.AsBool(f["encrypted"])
	e.EncryptedForReceiver, _ = docstore.AsString(f["encryptedForReceiver"])
	e.EncryptedForSender, _ = docstore.AsString(f["encryptedForSender"])
	e.LegacyCiphertext, _ = docstore.AsString(f["encryptedContent"])
	e.PlainContent, _ = docstore.AsString(f["content"])

	if ts, ok := docstore.AsTime(f["timestamp"]); ok {
		e.Timestamp = ts
	} else if local, ok := docstore.AsTime(f["localTimestamp"]); ok {
		// Not yet server-acknowledged: order by the local clock estimate
		// and mark the message pending.
		e.Timestamp = local
		e.Pending = true
	}

	e.Edited, _ = docstore.AsBool(f["edited"])
	if at, ok := docstore.AsTime(f["editedAt"]); ok {
		e.EditedAt = at
	}
	e.DeletedForEveryone, _ = docstore.AsBool(f["deletedForEveryone"])
	e.Read, _ = docstore.AsBool(f["read"])

	for name, v := range f {
		if uid, ok := strings.CutPrefix(name, deletedForPrefix); ok {
			if deleted, ok := docstore.AsBool(v); ok && deleted {
				e.DeletedFor[uid] = true
			}
		}
	}
	return e
}

// DeletedForField names the per-user soft-delete flag for a user.
func DeletedForField(userID string) string {
	return deletedForPrefix + userID
}

// DecryptedMessage is the envelope plus its recovered plaintext. It is
// derived on every observation and never cached across key rotation.
type DecryptedMessage struct {
	Envelope

	// Content is the plaintext for text messages.
	Content string

	// Attachment describes the encrypted image blob for image messages.
	Attachment *Attachment

	// DecryptionError is set instead of an error: an undecryptable
	// message renders as a placeholder, it never crashes the timeline.
	DecryptionError bool
}

// Attachment locates an encrypted image: the blob-store object key and
// the secretbox key its bytes are sealed under.
type Attachment struct {
	ObjectKey  string `json:"objectKey"`
	ContentKey string `json:"contentKey"`
}

// DecryptErrorPlaceholder is the fixed text rendered for undecryptable
// messages.
const DecryptErrorPlaceholder = "Unable to decrypt this message. You may need to reset your encryption keys."
