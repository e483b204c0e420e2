package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Redacted replaces sensitive header values in telemetry data.
const Redacted = "[REDACTED]"

// truncationSuffix marks string fields clamped by TruncatePayload.
const truncationSuffix = "...[TRUNCATED]"

// Now returns the current time as seconds since epoch, the timestamp
// format used uniformly on the wire.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// GenerateBatchID returns a unique identifier for an event batch.
func GenerateBatchID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// SanitizeHeaders returns a copy of headers with sensitive keys replaced
// by the redaction marker. Matching is case-insensitive.
func SanitizeHeaders(headers map[string]string, sensitive []string) map[string]string {
	if headers == nil {
		return nil
	}
	sanitized := make(map[string]string, len(headers))
	for key, value := range headers {
		if isSensitiveHeader(key, sensitive) {
			sanitized[key] = Redacted
		} else {
			sanitized[key] = value
		}
	}
	return sanitized
}

// SanitizeMetadata redacts sensitive keys in free-form event metadata.
// Nested header maps (map[string]string or map[string]interface{}) are
// sanitized recursively.
func SanitizeMetadata(metadata map[string]interface{}, sensitive []string) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	sanitized := make(map[string]interface{}, len(metadata))
	for key, value := range metadata {
		if isSensitiveHeader(key, sensitive) {
			sanitized[key] = Redacted
			continue
		}
		switch v := value.(type) {
		case map[string]string:
			sanitized[key] = SanitizeHeaders(v, sensitive)
		case map[string]interface{}:
			sanitized[key] = SanitizeMetadata(v, sensitive)
		default:
			sanitized[key] = value
		}
	}
	return sanitized
}

func isSensitiveHeader(key string, sensitive []string) bool {
	for _, s := range sensitive {
		if strings.EqualFold(key, s) {
			return true
		}
	}
	return false
}

// TruncatePayload clamps a string field to at most maxSize bytes, appending
// a marker when anything was cut. The cut point backs up to a rune boundary
// so the result stays valid UTF-8.
func TruncatePayload(payload string, maxSize int) string {
	if len(payload) <= maxSize {
		return payload
	}
	if maxSize < 0 {
		maxSize = 0
	}
	cut := payload[:maxSize]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + truncationSuffix
}

// HashIP hashes an IP address for privacy-conscious telemetry.
func HashIP(ip string, salt string) string {
	sum := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(sum[:])[:16]
}

// AnonymizeIP masks the host portion of an address: the last octet for
// IPv4, the last 80 bits for IPv6. Unparseable input is returned as-is.
func AnonymizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String()
	}
	masked := parsed.Mask(net.CIDRMask(48, 128))
	return masked.String()
}
