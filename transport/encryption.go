// Package transport delivers buffered telemetry to the backend API over
// HTTPS. Payloads are encrypted with a key derived from the agent
// credentials, and requests pass through a rate limiter, circuit breaker,
// and retry loop before reaching the wire.
package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fastapi-guard/guard-agent/core"
)

const nonceSize = 12

// PayloadEncryptor seals telemetry payloads with AES-256-GCM. The key is
// derived as SHA-256(apiKey + ":" + projectID) so both sides can compute it
// without a key exchange.
type PayloadEncryptor struct {
	aead      cipher.AEAD
	projectID string
}

// NewPayloadEncryptor derives the payload key and prepares the cipher.
func NewPayloadEncryptor(apiKey, projectID string) (*PayloadEncryptor, error) {
	if apiKey == "" || projectID == "" {
		return nil, fmt.Errorf("api key and project id are required: %w", core.ErrEncryptionInit)
	}

	key := sha256.Sum256([]byte(apiKey + ":" + projectID))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", core.ErrEncryptionInit)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", core.ErrEncryptionInit)
	}

	return &PayloadEncryptor{aead: aead, projectID: projectID}, nil
}

// Encrypt serializes v to JSON, seals it, and returns the wire framing:
// base64url(nonce || ciphertext || tag).
func (e *PayloadEncryptor) Encrypt(v interface{}) (string, error) {
	plaintext, err := serialize(v)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce generation: %w", core.ErrEncryptionFailed)
	}

	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt and unmarshals the plaintext into out.
func (e *PayloadEncryptor) Decrypt(payload string, out interface{}) error {
	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("payload framing: %w", core.ErrEncryptionFailed)
	}
	if len(raw) < nonceSize+e.aead.Overhead() {
		return fmt.Errorf("payload too short: %w", core.ErrEncryptionFailed)
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("payload authentication: %w", core.ErrEncryptionFailed)
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("payload decode: %w", core.ErrSerialization)
	}
	return nil
}

// Envelope wraps an encrypted payload into the request body format.
func (e *PayloadEncryptor) Envelope(v interface{}) ([]byte, error) {
	payload, err := e.Encrypt(v)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"project_id": e.projectID,
		"encrypted":  true,
		"payload":    payload,
	}
	return json.Marshal(body)
}

// Verify proves the cipher round-trips by sealing and opening a probe value.
func (e *PayloadEncryptor) Verify() error {
	probe := map[string]interface{}{"probe": core.Now()}
	sealed, err := e.Encrypt(probe)
	if err != nil {
		return err
	}
	var got map[string]interface{}
	if err := e.Decrypt(sealed, &got); err != nil {
		return err
	}
	if len(got) != len(probe) {
		return fmt.Errorf("round trip mismatch: %w", core.ErrEncryptionFailed)
	}
	return nil
}

// serialize marshals v to JSON, first normalizing time values to ISO-8601
// UTC so payloads match the backend's timestamp format.
func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("payload encode: %w", core.ErrSerialization)
	}
	return data, nil
}

// normalize walks the payload converting time.Time values to RFC 3339
// strings in UTC with second precision. Batches carry free-form metadata
// maps, the only place time values can hide inside a struct payload.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05Z07:00")
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case *core.EventBatch:
		if t == nil {
			return t
		}
		cp := *t
		cp.Events = normalizeEvents(t.Events)
		return &cp
	case core.EventBatch:
		t.Events = normalizeEvents(t.Events)
		return t
	case []core.SecurityEvent:
		return normalizeEvents(t)
	default:
		return v
	}
}

func normalizeEvents(events []core.SecurityEvent) []core.SecurityEvent {
	out := make([]core.SecurityEvent, len(events))
	for i, e := range events {
		if e.Metadata != nil {
			e.Metadata = normalize(e.Metadata).(map[string]interface{})
		}
		out[i] = e
	}
	return out
}
