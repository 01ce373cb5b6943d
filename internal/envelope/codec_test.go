package envelope

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
	"github.com/Chirraaa/chatty-sub000/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testParty struct {
	id string
	kp *cryptox.KeyPair
}

func newParty(t *testing.T, id string) testParty {
	t.Helper()
	kp, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	return testParty{id: id, kp: kp}
}

func directoryOf(parties ...testParty) KeyResolver {
	keys := make(map[string]cryptox.Key)
	for _, p := range parties {
		keys[p.id] = p.kp.Public
	}
	return func(_ context.Context, userID string) (cryptox.Key, error) {
		k, ok := keys[userID]
		if !ok {
			return cryptox.Key{}, common.ErrPeerKeyMissing
		}
		return k, nil
	}
}

func TestSealOpen_DualEnvelopeSymmetry(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")
	codec := NewCodec(directoryOf(alice, bob))

	pair, err := codec.Seal([]byte("hello"), bob.kp.Public, alice.kp)
	require.NoError(t, err)
	assert.NotEqual(t, pair.ForReceiver, pair.ForSender, "the two copies must be distinct ciphertexts")

	env := Envelope{
		ID:                   "m1",
		SenderID:             "alice",
		ReceiverID:           "bob",
		Kind:                 KindText,
		Encrypted:            true,
		EncryptedForReceiver: pair.ForReceiver,
		EncryptedForSender:   pair.ForSender,
	}

	// Alice re-reads her own sent copy.
	fromAlice := codec.Open(ctx, env, "alice", alice.kp)
	assert.False(t, fromAlice.DecryptionError)
	assert.Equal(t, "hello", fromAlice.Content)

	// Bob independently recovers the same plaintext.
	fromBob := codec.Open(ctx, env, "bob", bob.kp)
	assert.False(t, fromBob.DecryptionError)
	assert.Equal(t, "hello", fromBob.Content)
}

func TestOpen_ThirdPartyCannotDecrypt(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")
	carol := newParty(t, "carol")
	codec := NewCodec(directoryOf(alice, bob, carol))

	pair, err := codec.Seal([]byte("hello"), bob.kp.Public, alice.kp)
	require.NoError(t, err)

	env := Envelope{
		ID:                   "m1",
		SenderID:             "alice",
		ReceiverID:           "bob",
		Encrypted:            true,
		EncryptedForReceiver: pair.ForReceiver,
		EncryptedForSender:   pair.ForSender,
	}

	got := codec.Open(ctx, env, "carol", carol.kp)
	assert.True(t, got.DecryptionError)
	assert.Equal(t, DecryptErrorPlaceholder, got.Content)
}

func TestOpen_WrongKeysYieldPlaceholderNotPanic(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")
	codec := NewCodec(directoryOf(alice, bob))

	env := Envelope{
		ID:                   "m1",
		SenderID:             "alice",
		ReceiverID:           "bob",
		Encrypted:            true,
		EncryptedForReceiver: "garbage",
		EncryptedForSender:   "garbage",
	}

	got := codec.Open(ctx, env, "bob", bob.kp)
	assert.True(t, got.DecryptionError)
	assert.Equal(t, DecryptErrorPlaceholder, got.Content)
}

func TestOpen_LegacySingleField(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")
	codec := NewCodec(directoryOf(alice, bob))

	legacy, err := cryptox.EncryptBox(bob.kp.Public, alice.kp.Secret, []byte("old message"))
	require.NoError(t, err)

	env := Envelope{
		ID:               "m1",
		SenderID:         "alice",
		ReceiverID:       "bob",
		Encrypted:        true,
		LegacyCiphertext: legacy,
	}

	// Receiver opens against the sender's public key.
	fromBob := codec.Open(ctx, env, "bob", bob.kp)
	assert.False(t, fromBob.DecryptionError)
	assert.Equal(t, "old message", fromBob.Content)

	// The sender can still open their own legacy send against the
	// receiver's key.
	fromAlice := codec.Open(ctx, env, "alice", alice.kp)
	assert.False(t, fromAlice.DecryptionError)
	assert.Equal(t, "old message", fromAlice.Content)
}

func TestOpen_UnencryptedLegacyPlaintext(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice")
	codec := NewCodec(directoryOf(alice))

	env := Envelope{
		ID:           "m1",
		SenderID:     "bob",
		ReceiverID:   "alice",
		Encrypted:    false,
		PlainContent: "pre-encryption history",
	}

	got := codec.Open(ctx, env, "alice", alice.kp)
	assert.False(t, got.DecryptionError)
	assert.Equal(t, "pre-encryption history", got.Content)
}

func TestSealOpen_ImageAttachment(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")
	codec := NewCodec(directoryOf(alice, bob))

	att := Attachment{ObjectKey: "users/2024/5/1/abc", ContentKey: "a2V5"}
	payload, err := json.Marshal(att)
	require.NoError(t, err)

	pair, err := codec.Seal(payload, bob.kp.Public, alice.kp)
	require.NoError(t, err)

	env := Envelope{
		ID:                   "m1",
		SenderID:             "alice",
		ReceiverID:           "bob",
		Kind:                 KindImage,
		Encrypted:            true,
		EncryptedForReceiver: pair.ForReceiver,
		EncryptedForSender:   pair.ForSender,
	}

	got := codec.Open(ctx, env, "bob", bob.kp)
	require.False(t, got.DecryptionError)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, att, *got.Attachment)
}

func TestFromDocument(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	doc := docstore.Document{
		ID: "m1",
		Fields: map[string]any{
			"senderId":             "alice",
			"receiverId":           "bob",
			"type":                 "image",
			"encrypted":            true,
			"encryptedForReceiver": "ctR",
			"encryptedForSender":   "ctS",
			"timestamp":            ts,
			"edited":               true,
			"editedAt":             ts.Add(time.Minute),
			"deletedForEveryone":   false,
			"deletedFor_bob":       true,
			"read":                 true,
		},
	}

	e := FromDocument(doc)
	assert.Equal(t, "m1", e.ID)
	assert.Equal(t, "alice", e.SenderID)
	assert.Equal(t, KindImage, e.Kind)
	assert.True(t, e.Encrypted)
	assert.Equal(t, ts, e.Timestamp)
	assert.False(t, e.Pending)
	assert.True(t, e.Edited)
	assert.Equal(t, ts.Add(time.Minute), e.EditedAt)
	assert.True(t, e.Read)
	assert.True(t, e.DeletedForUser("bob"))
	assert.False(t, e.DeletedForUser("alice"))
}

func TestFromDocument_PendingUsesLocalTimestamp(t *testing.T) {
	local := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	doc := docstore.Document{
		ID: "m1",
		Fields: map[string]any{
			"senderId":       "alice",
			"receiverId":     "bob",
			"localTimestamp": local.Format(time.RFC3339Nano),
		},
	}

	e := FromDocument(doc)
	assert.True(t, e.Pending)
	assert.Equal(t, local, e.Timestamp)
}

func TestFromDocument_JSONTypedFields(t *testing.T) {
	// Values as they come back from a JSONB round trip: bools stay bools,
	// times become RFC 3339 strings.
	doc := docstore.Document{
		ID: "m1",
		Fields: map[string]any{
			"senderId":           "alice",
			"receiverId":         "bob",
			"type":               "text",
			"encrypted":          true,
			"timestamp":          "2024-05-01T10:00:00Z",
			"deletedForEveryone": true,
		},
	}

	e := FromDocument(doc)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), e.Timestamp)
	assert.True(t, e.DeletedForUser("anyone"))
}
