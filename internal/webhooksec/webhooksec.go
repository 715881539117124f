// Package webhooksec authenticates inbound webhook requests: a shared
// secret checked on every request, optional per-provider signature
// verification (Twilio, Telnyx, Plivo), and replay-fingerprint
// suppression. Nothing here ever fails open — a verification error is
// always treated as unauthorized.
package webhooksec

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by Twilio's published signing scheme
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SharedSecretOK reports whether provided matches the configured secret
// using a constant-time comparison, regardless of which transport
// (query param or header) carried it.
func SharedSecretOK(configured, provided string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
}

// VerifyTwilio checks Twilio's X-Twilio-Signature header: HMAC-SHA1 over
// the full request URL with sorted POST-param key+value pairs appended,
// base64-encoded, compared byte-for-byte (not constant-time per Twilio's
// own reference implementation, but wrapped in hmac.Equal here anyway).
func VerifyTwilio(authToken, url string, params map[string]string, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	buf.WriteString(url)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(params[k])
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(buf.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyTelnyx checks Telnyx's Ed25519 webhook signature: the signed
// message is "timestamp|rawBody", verified against the account's
// published Ed25519 public key (base64-encoded, 32 raw bytes).
func VerifyTelnyx(publicKeyB64, timestamp, rawBody, signatureB64 string) bool {
	if publicKeyB64 == "" || signatureB64 == "" {
		return false
	}
	pubKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	message := []byte(timestamp + "|" + rawBody)
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig)
}

// VerifyPlivo checks Plivo's HMAC-SHA256 webhook signature (V2/V3
// schemes). V2 signs "url+nonce"; V3 signs "url.nonce" using a
// '.'-joined format — both reduce to "HMAC-SHA256(authToken, signedData)"
// once the caller has assembled signedData per the scheme in use, so
// this function takes the already-assembled string rather than
// re-deriving the URL/nonce join itself.
func VerifyPlivo(authToken, signedData, signatureB64 string) bool {
	if authToken == "" || signatureB64 == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(authToken))
	mac.Write([]byte(signedData))
	return hmac.Equal(mac.Sum(nil), sig)
}

// ReplayCache suppresses re-delivery of a webhook request already seen
// within window, keyed by a fingerprint of signature+body. A small
// dedicated mutex+map TTL cache — replycache.Cache's key shape
// (account+shortID/UUID) doesn't fit a signature+hash fingerprint, so
// this reuses the mutex+map idiom directly rather than forcing an awkward
// reuse. Once maxSize entries are held, expired entries are pruned; live
// entries are never dropped, so the map can grow past maxSize.
type ReplayCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	maxSize int
}

// NewReplayCache creates a replay cache with the given TTL window.
func NewReplayCache(window time.Duration) *ReplayCache {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &ReplayCache{seen: make(map[string]time.Time), window: window, maxSize: 8192}
}

// Fingerprint builds the replay key from a signature and the raw body.
func Fingerprint(signature, rawBody string) string {
	h := sha256.Sum256([]byte(signature + "\x00" + rawBody))
	return hex.EncodeToString(h[:])
}

// Seen records fingerprint and reports whether it was already present
// within the window (i.e. this request is a replay). A fresh
// fingerprint is never reported as a replay.
func (c *ReplayCache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.seen[fingerprint]; ok && now.Sub(at) < c.window {
		return true
	}

	if len(c.seen) >= c.maxSize {
		for k, at := range c.seen {
			if now.Sub(at) >= c.window {
				delete(c.seen, k)
			}
		}
	}
	c.seen[fingerprint] = now
	return false
}

// Request bundles what a provider-specific verification needs from one
// inbound HTTP request — callers fill in only the fields their provider
// uses.
type Request struct {
	Provider  string // "twilio" | "telnyx" | "plivo" | "" (generic shared-secret only)
	URL       string
	RawBody   string
	Params    map[string]string // Twilio form params
	Timestamp string            // Telnyx
	SignedData string           // Plivo (pre-assembled per V2/V3 scheme)
	Signature string
}

// Config is the subset of webhook security settings a Verifier needs.
// Mirrors config.WebhookSecurityConfig without importing internal/config
// (avoids an import cycle — config already imports delivery/replycache).
type Config struct {
	TwilioAuthToken string
	TelnyxPublicKey string
	PlivoAuthToken  string
	ReplayWindow    time.Duration
}

// Verifier checks inbound webhook authenticity end to end: signature
// verification (if the provider is signed) followed by replay
// suppression. A failed or replayed request must never cause any side
// effect beyond a 4xx response.
type Verifier struct {
	cfg     Config
	replay  *ReplayCache
	limiter *RateLimiter
}

// NewVerifier builds a Verifier over cfg, with its own replay cache and
// rate limiter.
func NewVerifier(cfg Config) *Verifier {
	return &Verifier{
		cfg:     cfg,
		replay:  NewReplayCache(cfg.ReplayWindow),
		limiter: NewRateLimiter(),
	}
}

// Result reports the outcome of a webhook verification pass.
type Result struct {
	Authorized bool
	IsReplay   bool
	Reason     string
}

// Verify checks the rate limit first, then runs signature verification
// (provider-specific, or none for a plain shared-secret-only webhook),
// then replay suppression. rateLimitKey is typically the remote IP or
// account ID.
func (v *Verifier) Verify(req Request, rateLimitKey string) Result {
	if !v.limiter.Allow(rateLimitKey) {
		return Result{Authorized: false, Reason: "rate_limited"}
	}

	switch req.Provider {
	case "twilio":
		if !VerifyTwilio(v.cfg.TwilioAuthToken, req.URL, req.Params, req.Signature) {
			return Result{Authorized: false, Reason: "bad_signature"}
		}
	case "telnyx":
		if !VerifyTelnyx(v.cfg.TelnyxPublicKey, req.Timestamp, req.RawBody, req.Signature) {
			return Result{Authorized: false, Reason: "bad_signature"}
		}
	case "plivo":
		if !VerifyPlivo(v.cfg.PlivoAuthToken, req.SignedData, req.Signature) {
			return Result{Authorized: false, Reason: "bad_signature"}
		}
	case "":
		// Shared-secret-only webhook — caller already checked
		// SharedSecretOK before calling Verify.
	default:
		return Result{Authorized: false, Reason: fmt.Sprintf("unknown provider %q", req.Provider)}
	}

	fp := Fingerprint(req.Signature, req.RawBody)
	if v.replay.Seen(fp) {
		return Result{Authorized: true, IsReplay: true, Reason: "replay"}
	}

	return Result{Authorized: true}
}

// TelnyxTimestampFresh reports whether a Telnyx webhook's timestamp is
// within the replay window of now (Telnyx signs a Unix timestamp). Verify
// does not call it; a caller checks freshness separately.
func TelnyxTimestampFresh(timestamp string, window time.Duration) bool {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	ts := time.Unix(sec, 0)
	return time.Since(ts) <= window && time.Until(ts) <= window
}
