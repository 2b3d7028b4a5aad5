package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Auth headers.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Olumi-Signature"
	HeaderTimestamp = "X-Olumi-Timestamp"
	HeaderNonce     = "X-Olumi-Nonce"
)

// DefaultMaxSkew is the accepted clock skew for HMAC timestamps.
const DefaultMaxSkew = 5 * time.Minute

// AuthError carries the HTTP status for a failed authentication.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// Authenticator validates requests by static API key or HMAC signature.
// Either mechanism suffices; HMAC is only attempted when signature headers
// are present.
type Authenticator struct {
	apiKeys map[string]bool
	secret  []byte
	maxSkew time.Duration
	nonces  *nonceStore
	now     func() time.Time
}

type AuthOption func(*Authenticator)

func WithMaxSkew(d time.Duration) AuthOption {
	return func(a *Authenticator) { a.maxSkew = d }
}

func WithAuthClock(now func() time.Time) AuthOption {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator builds an authenticator from the configured API keys and
// HMAC secret. Empty inputs disable the respective mechanism; with both
// empty, every request passes (local development).
func NewAuthenticator(apiKeys []string, secret []byte, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		apiKeys: map[string]bool{},
		secret:  secret,
		maxSkew: DefaultMaxSkew,
		now:     time.Now,
	}
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			a.apiKeys[k] = true
		}
	}
	for _, o := range opts {
		o(a)
	}
	a.nonces = newNonceStore(2*a.maxSkew, a.now)
	return a
}

// Enabled reports whether any authentication mechanism is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.apiKeys) > 0 || len(a.secret) > 0
}

// Authenticate validates the request and returns the caller's key id (the
// API key, or "hmac" for signed requests) for rate limiting.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (string, error) {
	if !a.Enabled() {
		return "anonymous", nil
	}
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		for known := range a.apiKeys {
			if subtle.ConstantTimeCompare([]byte(known), []byte(key)) == 1 {
				return key, nil
			}
		}
		return "", &AuthError{Status: http.StatusUnauthorized, Message: "unknown API key"}
	}
	if r.Header.Get(HeaderSignature) != "" {
		if len(a.secret) == 0 {
			return "", &AuthError{Status: http.StatusUnauthorized, Message: "HMAC auth not configured"}
		}
		if err := a.verifySignature(r, body); err != nil {
			return "", err
		}
		return "hmac", nil
	}
	return "", &AuthError{Status: http.StatusUnauthorized, Message: "missing credentials"}
}

// verifySignature checks the canonical signature
// METHOD\nPATH\nTIMESTAMP\nNONCE\nSHA256(body), falling back to the legacy
// form METHOD\nPATH\nSHA256(body) for older clients. Timestamps are unix
// milliseconds within the skew window; each nonce is accepted once.
func (a *Authenticator) verifySignature(r *http.Request, body []byte) error {
	sig := r.Header.Get(HeaderSignature)
	ts := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)

	bodyHash := sha256.Sum256(body)
	bodyHex := hex.EncodeToString(bodyHash[:])

	if ts != "" && nonce != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return &AuthError{Status: http.StatusUnauthorized, Message: "invalid signature timestamp"}
		}
		at := time.UnixMilli(ms)
		if d := a.now().Sub(at); d > a.maxSkew || d < -a.maxSkew {
			return &AuthError{Status: http.StatusUnauthorized, Message: "signature timestamp outside accepted window"}
		}
		canonical := fmt.Sprintf("%s\n%s\n%s\n%s\n%s", r.Method, r.URL.Path, ts, nonce, bodyHex)
		if !a.macEqual(canonical, sig) {
			return &AuthError{Status: http.StatusUnauthorized, Message: "signature mismatch"}
		}
		if !a.nonces.accept(nonce) {
			return &AuthError{Status: http.StatusUnauthorized, Message: "nonce already used"}
		}
		return nil
	}

	// Legacy unsigned-timestamp form. No replay protection; kept for old
	// clients until they migrate.
	canonical := fmt.Sprintf("%s\n%s\n%s", r.Method, r.URL.Path, bodyHex)
	if !a.macEqual(canonical, sig) {
		return &AuthError{Status: http.StatusUnauthorized, Message: "signature mismatch"}
	}
	return nil
}

func (a *Authenticator) macEqual(canonical, sig string) bool {
	m := hmac.New(sha256.New, a.secret)
	m.Write([]byte(canonical))
	want := hex.EncodeToString(m.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimSpace(sig)))
}

// nonceStore guarantees at-most-one acceptance per nonce within its TTL.
type nonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newNonceStore(ttl time.Duration, now func() time.Time) *nonceStore {
	return &nonceStore{seen: map[string]time.Time{}, ttl: ttl, now: now}
}

func (n *nonceStore) accept(nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	for k, at := range n.seen {
		if now.Sub(at) > n.ttl {
			delete(n.seen, k)
		}
	}
	if _, dup := n.seen[nonce]; dup {
		return false
	}
	n.seen[nonce] = now
	return true
}
