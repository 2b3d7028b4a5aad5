package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

func signRequest(secret []byte, method, path, ts, nonce string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := fmt.Sprintf("%s\n%s\n%s\n%s\n%s", method, path, ts, nonce, hex.EncodeToString(bodyHash[:]))
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(canonical))
	return hex.EncodeToString(m.Sum(nil))
}

func TestAuthenticateAPIKey(t *testing.T) {
	a := NewAuthenticator([]string{"k1", "k2"}, nil)

	r := httptest.NewRequest("POST", "/assist/v1/draft-graph", nil)
	r.Header.Set(HeaderAPIKey, "k2")
	key, err := a.Authenticate(r, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if key != "k2" {
		t.Fatalf("key = %q, want k2", key)
	}

	r.Header.Set(HeaderAPIKey, "unknown")
	if _, err := a.Authenticate(r, nil); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	a := NewAuthenticator([]string{"k1"}, nil)
	r := httptest.NewRequest("POST", "/assist/v1/draft-graph", nil)
	if _, err := a.Authenticate(r, nil); err == nil {
		t.Fatal("request without credentials accepted")
	}
}

func TestAuthenticateDisabledPassesThrough(t *testing.T) {
	a := NewAuthenticator(nil, nil)
	r := httptest.NewRequest("POST", "/assist/v1/draft-graph", nil)
	key, err := a.Authenticate(r, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if key != "anonymous" {
		t.Fatalf("key = %q, want anonymous", key)
	}
}

func TestAuthenticateHMACSigned(t *testing.T) {
	secret := []byte("hmac-secret")
	now := time.Now()
	a := NewAuthenticator(nil, secret, WithAuthClock(func() time.Time { return now }))

	body := []byte(`{"brief":"x"}`)
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	nonce := uuid.NewString()

	r := httptest.NewRequest("POST", "/assist/v1/draft-graph", nil)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, signRequest(secret, "POST", "/assist/v1/draft-graph", ts, nonce, body))

	key, err := a.Authenticate(r, body)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if key != "hmac" {
		t.Fatalf("key = %q, want hmac", key)
	}
}

func TestAuthenticateHMACNonceReplayRejected(t *testing.T) {
	secret := []byte("hmac-secret")
	now := time.Now()
	a := NewAuthenticator(nil, secret, WithAuthClock(func() time.Time { return now }))

	body := []byte(`{}`)
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	nonce := uuid.NewString()

	r := httptest.NewRequest("POST", "/assist/v1/draft-graph", nil)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, signRequest(secret, "POST", "/assist/v1/draft-graph", ts, nonce, body))

	if _, err := a.Authenticate(r, body); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := a.Authenticate(r, body); err == nil {
		t.Fatal("replayed nonce accepted")
	}
}

func TestAuthenticateHMACSkewRejected(t *testing.T) {
	secret := []byte("hmac-secret")
	now := time.Now()
	a := NewAuthenticator(nil, secret, WithAuthClock(func() time.Time { return now }))

	body := []byte(`{}`)
	stale := now.Add(-6 * time.Minute)
	ts := strconv.FormatInt(stale.UnixMilli(), 10)
	nonce := uuid.NewString()

	r := httptest.NewRequest("POST", "/assist/v1/draft-graph", nil)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, signRequest(secret, "POST", "/assist/v1/draft-graph", ts, nonce, body))

	if _, err := a.Authenticate(r, body); err == nil {
		t.Fatal("stale timestamp accepted")
	}
}

func TestAuthenticateHMACLegacyForm(t *testing.T) {
	secret := []byte("hmac-secret")
	a := NewAuthenticator(nil, secret)

	body := []byte(`{"brief":"x"}`)
	bodyHash := sha256.Sum256(body)
	canonical := fmt.Sprintf("POST\n/assist/v1/draft-graph\n%s", hex.EncodeToString(bodyHash[:]))
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(canonical))

	r := httptest.NewRequest("POST", "/assist/v1/draft-graph", nil)
	r.Header.Set(HeaderSignature, hex.EncodeToString(m.Sum(nil)))

	if _, err := a.Authenticate(r, body); err != nil {
		t.Fatalf("legacy signature rejected: %v", err)
	}
}

func TestAuthenticateHMACBadSignature(t *testing.T) {
	a := NewAuthenticator(nil, []byte("hmac-secret"))
	r := httptest.NewRequest("POST", "/assist/v1/draft-graph", nil)
	r.Header.Set(HeaderSignature, "deadbeef")
	if _, err := a.Authenticate(r, []byte(`{}`)); err == nil {
		t.Fatal("bad signature accepted")
	}
}
