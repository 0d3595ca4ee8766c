// Package signing produces and verifies HMAC-SHA256 signatures over
// "{timestamp}.{body}". The same scheme authenticates dispatch requests
// (shared dispatch secret) and webhook callbacks (per-task secret).
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Header names carried by signed requests
const (
	HeaderDispatchTimestamp = "X-Dispatch-Timestamp"
	HeaderDispatchSignature = "X-Dispatch-Signature"
	HeaderDispatchNonce     = "X-Dispatch-Nonce"

	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Webhook-Signature"
)

const webhookSecretPrefix = "whsec_"

// ErrorCode classifies signing failures
type ErrorCode string

const (
	CodeMissingSecret ErrorCode = "missing_secret"
	CodeSigningFailed ErrorCode = "signing_failed"
)

// Error is returned when a signature cannot be produced
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Signature is the pair sent alongside a signed body
type Signature struct {
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Signer holds one shared secret
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. An empty secret is accepted here so callers can
// construct it unconditionally; Sign reports missing_secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Configured reports whether a secret is present
func (s *Signer) Configured() bool {
	return s != nil && len(s.secret) > 0
}

// Sign computes the signature of body at timestamp (unix seconds)
func (s *Signer) Sign(body []byte, timestamp int64) (Signature, error) {
	if !s.Configured() {
		return Signature{}, &Error{Code: CodeMissingSecret}
	}
	mac := hmac.New(sha256.New, s.secret)
	msg := strconv.FormatInt(timestamp, 10) + "." + string(body)
	if _, err := mac.Write([]byte(msg)); err != nil {
		return Signature{}, &Error{Code: CodeSigningFailed, Err: err}
	}
	return Signature{
		Timestamp: timestamp,
		Signature: hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

// GenerateWebhookSecret returns a per-task secret of the form whsec_<24 hex chars>
func GenerateWebhookSecret() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", &Error{Code: CodeSigningFailed, Err: err}
	}
	return webhookSecretPrefix + hex.EncodeToString(b), nil
}

// GenerateNonce returns a random UUID for replay bookkeeping
func GenerateNonce() string {
	return uuid.NewString()
}
