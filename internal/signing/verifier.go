package signing

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultSkew is how far a signed timestamp may drift from the receiver's clock
const DefaultSkew = 5 * time.Minute

var (
	ErrMissingHeaders   = errors.New("missing signature headers")
	ErrBadTimestamp     = errors.New("malformed signature timestamp")
	ErrStaleTimestamp   = errors.New("signature timestamp outside allowed skew")
	ErrSignatureInvalid = errors.New("signature mismatch")
	ErrReplayed         = errors.New("nonce already used")
)

// Verify checks sig against body and timestamp, and that timestamp is
// within skew of now
func (s *Signer) Verify(body []byte, timestamp int64, sig string, now time.Time, skew time.Duration) error {
	if skew <= 0 {
		skew = DefaultSkew
	}
	drift := now.Sub(time.Unix(timestamp, 0))
	if drift > skew || drift < -skew {
		return fmt.Errorf("%w: drift %s", ErrStaleTimestamp, drift.Round(time.Second))
	}
	want, err := s.Sign(body, timestamp)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want.Signature), []byte(sig)) {
		return ErrSignatureInvalid
	}
	return nil
}

// ParseTimestamp reads a unix-seconds header value
func ParseTimestamp(v string) (int64, error) {
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, ErrBadTimestamp
	}
	return ts, nil
}

// NonceCache remembers nonces for the skew window so a captured request
// cannot be replayed while its timestamp is still acceptable
type NonceCache struct {
	ttl  time.Duration
	seen map[string]time.Time
	mu   sync.Mutex
}

// NewNonceCache creates a cache whose entries live for ttl
func NewNonceCache(ttl time.Duration) *NonceCache {
	if ttl <= 0 {
		ttl = 2 * DefaultSkew
	}
	return &NonceCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// Use records nonce and reports ErrReplayed if it was already seen
func (c *NonceCache) Use(nonce string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, n)
		}
	}
	if _, ok := c.seen[nonce]; ok {
		return ErrReplayed
	}
	c.seen[nonce] = now
	return nil
}

// Len returns the number of remembered nonces
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// DispatchVerifier authenticates incoming dispatch requests
type DispatchVerifier struct {
	signer *Signer
	nonces *NonceCache
	skew   time.Duration
	now    func() time.Time
}

// NewDispatchVerifier creates a verifier for the shared dispatch secret
func NewDispatchVerifier(signer *Signer, skew time.Duration) *DispatchVerifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &DispatchVerifier{
		signer: signer,
		nonces: NewNonceCache(2 * skew),
		skew:   skew,
		now:    time.Now,
	}
}

// VerifyRequest checks the dispatch headers of r against body
func (v *DispatchVerifier) VerifyRequest(r *http.Request, body []byte) error {
	tsHeader := r.Header.Get(HeaderDispatchTimestamp)
	sig := r.Header.Get(HeaderDispatchSignature)
	if tsHeader == "" || sig == "" {
		return ErrMissingHeaders
	}
	ts, err := ParseTimestamp(tsHeader)
	if err != nil {
		return err
	}
	now := v.now()
	if err := v.signer.Verify(body, ts, sig, now, v.skew); err != nil {
		return err
	}
	if nonce := r.Header.Get(HeaderDispatchNonce); nonce != "" {
		return v.nonces.Use(nonce, now)
	}
	return nil
}

// SignRequest sets the dispatch headers on r for body
func SignRequest(r *http.Request, signer *Signer, body []byte, now time.Time) error {
	sig, err := signer.Sign(body, now.Unix())
	if err != nil {
		return err
	}
	r.Header.Set(HeaderDispatchTimestamp, strconv.FormatInt(sig.Timestamp, 10))
	r.Header.Set(HeaderDispatchSignature, sig.Signature)
	r.Header.Set(HeaderDispatchNonce, GenerateNonce())
	return nil
}

// SignWebhook sets the webhook headers on r using a per-task secret
func SignWebhook(r *http.Request, secret string, body []byte, now time.Time) error {
	sig, err := NewSigner(secret).Sign(body, now.Unix())
	if err != nil {
		return err
	}
	r.Header.Set(HeaderWebhookTimestamp, strconv.FormatInt(sig.Timestamp, 10))
	r.Header.Set(HeaderWebhookSignature, sig.Signature)
	return nil
}

// VerifyWebhook checks webhook headers of r against body with a per-task secret
func VerifyWebhook(r *http.Request, secret string, body []byte, now time.Time) error {
	tsHeader := r.Header.Get(HeaderWebhookTimestamp)
	sig := r.Header.Get(HeaderWebhookSignature)
	if tsHeader == "" || sig == "" {
		return ErrMissingHeaders
	}
	ts, err := ParseTimestamp(tsHeader)
	if err != nil {
		return err
	}
	return NewSigner(secret).Verify(body, ts, sig, now, DefaultSkew)
}
