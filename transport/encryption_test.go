package transport

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastapi-guard/guard-agent/core"
)

func TestNewPayloadEncryptorRequiresCredentials(t *testing.T) {
	_, err := NewPayloadEncryptor("", "p")
	assert.ErrorIs(t, err, core.ErrEncryptionInit)

	_, err = NewPayloadEncryptor("k", "")
	assert.ErrorIs(t, err, core.ErrEncryptionInit)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewPayloadEncryptor("k", "p")
	require.NoError(t, err)

	original := map[string]interface{}{"a": float64(1)}
	sealed, err := enc.Encrypt(original)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, enc.Decrypt(sealed, &got))
	assert.Equal(t, original, got)
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, err := NewPayloadEncryptor("k", "p")
	require.NoError(t, err)

	sealed, err := enc.Encrypt(map[string]interface{}{"a": 1})
	require.NoError(t, err)

	raw, err := base64.URLEncoding.DecodeString(sealed)
	require.NoError(t, err)

	// Flip one byte of the ciphertext.
	raw[len(raw)/2] ^= 0x01
	tampered := base64.URLEncoding.EncodeToString(raw)

	var got map[string]interface{}
	err = enc.Decrypt(tampered, &got)
	assert.ErrorIs(t, err, core.ErrEncryptionFailed)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	enc1, err := NewPayloadEncryptor("k", "p")
	require.NoError(t, err)
	enc2, err := NewPayloadEncryptor("k", "other-project")
	require.NoError(t, err)

	sealed, err := enc1.Encrypt(map[string]interface{}{"a": 1})
	require.NoError(t, err)

	var got map[string]interface{}
	err = enc2.Decrypt(sealed, &got)
	assert.ErrorIs(t, err, core.ErrEncryptionFailed)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewPayloadEncryptor("k", "p")
	require.NoError(t, err)

	var got map[string]interface{}
	assert.ErrorIs(t, enc.Decrypt("not base64!!!", &got), core.ErrEncryptionFailed)
	assert.ErrorIs(t, enc.Decrypt(base64.URLEncoding.EncodeToString([]byte("short")), &got), core.ErrEncryptionFailed)
}

func TestKeyDerivation(t *testing.T) {
	// The derived key is SHA-256 of "apiKey:projectID". Two encryptors with
	// the same credentials must interoperate.
	enc1, err := NewPayloadEncryptor("k", "p")
	require.NoError(t, err)
	enc2, err := NewPayloadEncryptor("k", "p")
	require.NoError(t, err)

	sealed, err := enc1.Encrypt(map[string]interface{}{"x": "y"})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, enc2.Decrypt(sealed, &got))
	assert.Equal(t, "y", got["x"])

	expected := sha256.Sum256([]byte("k:p"))
	assert.Len(t, expected, 32)
}

func TestEnvelopeShape(t *testing.T) {
	enc, err := NewPayloadEncryptor("k", "proj-1")
	require.NoError(t, err)

	body, err := enc.Envelope(map[string]interface{}{"a": 1})
	require.NoError(t, err)

	var envelope struct {
		ProjectID string `json:"project_id"`
		Encrypted bool   `json:"encrypted"`
		Payload   string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))

	assert.Equal(t, "proj-1", envelope.ProjectID)
	assert.True(t, envelope.Encrypted)
	assert.NotEmpty(t, envelope.Payload)

	var got map[string]interface{}
	require.NoError(t, enc.Decrypt(envelope.Payload, &got))
	assert.Equal(t, float64(1), got["a"])
}

func TestVerify(t *testing.T) {
	enc, err := NewPayloadEncryptor("k", "p")
	require.NoError(t, err)
	assert.NoError(t, enc.Verify())
}

func TestSerializeRejectsUnmarshalable(t *testing.T) {
	_, err := serialize(map[string]interface{}{"fn": func() {}})
	assert.ErrorIs(t, err, core.ErrSerialization)
}

func TestSerializeNormalizesTimeInBatchMetadata(t *testing.T) {
	enc, err := NewPayloadEncryptor("k", "p")
	require.NoError(t, err)

	when := time.Date(2026, 8, 24, 10, 30, 15, 123456789, time.UTC)
	batch := &core.EventBatch{
		ProjectID: "p",
		Events: []core.SecurityEvent{
			{
				Timestamp: 1,
				EventType: core.EventIPBanned,
				Metadata: map[string]interface{}{
					"banned_at": when,
					"nested":    map[string]interface{}{"seen_at": when},
				},
			},
		},
		BatchID: "b",
	}

	sealed, err := enc.Encrypt(batch)
	require.NoError(t, err)

	var got core.EventBatch
	require.NoError(t, enc.Decrypt(sealed, &got))
	require.Len(t, got.Events, 1)
	assert.Equal(t, "2026-08-24T10:30:15Z", got.Events[0].Metadata["banned_at"])
	nested := got.Events[0].Metadata["nested"].(map[string]interface{})
	assert.Equal(t, "2026-08-24T10:30:15Z", nested["seen_at"])

	// The caller's metadata map is left untouched.
	assert.IsType(t, time.Time{}, batch.Events[0].Metadata["banned_at"])
}

func TestSerializeNormalizesTime(t *testing.T) {
	ts := time.Date(2026, 8, 24, 10, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	data, err := serialize(map[string]interface{}{"when": ts})
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "2026-08-24T08:30:00Z", got["when"], "times are ISO-8601 in UTC")
}

func TestNoncesAreUnique(t *testing.T) {
	enc, err := NewPayloadEncryptor("k", "p")
	require.NoError(t, err)

	seen := make(map[string]bool)
	payload := map[string]interface{}{"a": 1}
	for i := 0; i < 50; i++ {
		sealed, err := enc.Encrypt(payload)
		require.NoError(t, err)
		raw, err := base64.URLEncoding.DecodeString(sealed)
		require.NoError(t, err)
		nonce := string(raw[:nonceSize])
		assert.False(t, seen[nonce], "nonces must never repeat")
		seen[nonce] = true
	}
}
