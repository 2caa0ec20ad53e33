// Package security holds the relay's cryptographic primitives: producer
// signatures, at-rest sealing of agent callback endpoints, and agent
// credential hashing.
package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// SignaturePrefix names the algorithm in signature headers.
const SignaturePrefix = "sha256="

var ErrMalformedBody = errors.New("security: body is not valid JSON")

// CanonicalJSON returns body with insignificant whitespace removed. Key order
// is preserved, so producer and relay sign the same bytes.
func CanonicalJSON(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, ErrMalformedBody
	}
	return buf.Bytes(), nil
}

// Sign computes "sha256=<hex>" over "{timestamp}.{canonicalJSON(body)}".
func Sign(body []byte, timestamp string, secret []byte) (string, error) {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return "", err
	}
	return SignaturePrefix + hex.EncodeToString(mac(canonical, timestamp, secret)), nil
}

// SignAt is Sign with a millisecond timestamp.
func SignAt(body []byte, timestampMs int64, secret []byte) (string, error) {
	return Sign(body, strconv.FormatInt(timestampMs, 10), secret)
}

// Verify reports whether signature matches body and timestamp under secret.
// The comparison runs in constant time regardless of the received length:
// both sides are hashed to a fixed size before comparing.
func Verify(body []byte, timestamp, signature string, secret []byte) bool {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return false
	}
	expected := hex.EncodeToString(mac(canonical, timestamp, secret))
	received := strings.TrimPrefix(strings.TrimSpace(signature), SignaturePrefix)
	return equalFixed(expected, received)
}

func mac(canonical []byte, timestamp string, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(canonical)
	return h.Sum(nil)
}

func equalFixed(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// EqualSecret compares two secrets in constant time independent of length.
func EqualSecret(a, b string) bool {
	return equalFixed(a, b)
}
