// Package signedurl issues and verifies time-boxed image URLs.
//
// A URL carries the image id, an absolute expiry in unix seconds, and a hex
// HMAC-SHA256 tag over both. The MAC key is derived from the configured
// secret with HKDF so the raw secret never keys the MAC directly.
package signedurl

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"envtrack/internal/config"
)

const keyInfo = "envtrack signed image url v1"

var (
	// ErrExpired reports a URL whose expiry has passed.
	ErrExpired = errors.New("signed url expired")
	// ErrInvalidSignature reports a tag that does not match.
	ErrInvalidSignature = errors.New("signed url signature mismatch")
	// ErrMalformed reports missing or unparsable exp/sig parameters.
	ErrMalformed = errors.New("signed url malformed")
)

// Signer issues and verifies signed URLs.
type Signer struct {
	key      []byte
	basePath string
	ttl      time.Duration
	now      func() time.Time
}

// New derives the MAC key from secret. basePath prefixes every issued URL
// and ttl is the default lifetime.
func New(secret, basePath string, ttl time.Duration) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("signing secret is required")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	if basePath == "" {
		basePath = "/images"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{
		key:      key,
		basePath: "/" + strings.Trim(basePath, "/"),
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// NewFromConfig builds a Signer from the [signing] section.
func NewFromConfig(cfg *config.Config) (*Signer, error) {
	return New(cfg.Signing.Secret, cfg.Signing.BasePath, cfg.URLTTL())
}

// SetClock overrides the time source.
func (s *Signer) SetClock(now func() time.Time) {
	s.now = now
}

// BasePath returns the path prefix of issued URLs.
func (s *Signer) BasePath() string {
	return s.basePath
}

// SignedURL is an issued URL and the instant it stops verifying.
type SignedURL struct {
	URL       string    `json:"signed_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Sign returns the hex tag for (imageID, exp).
func (s *Signer) Sign(imageID int64, exp int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%d:%d", imageID, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueURL returns a URL for imageID valid for ttl, or for the default
// lifetime when ttl is not positive.
func (s *Signer) IssueURL(imageID int64, ttl time.Duration) SignedURL {
	if ttl <= 0 {
		ttl = s.ttl
	}
	expires := s.now().Add(ttl).Truncate(time.Second)
	exp := expires.Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", s.Sign(imageID, exp))
	return SignedURL{
		URL:       fmt.Sprintf("%s/%d?%s", s.basePath, imageID, q.Encode()),
		ExpiresAt: expires.UTC(),
	}
}

// Verify fails with ErrExpired once exp has passed, even for a valid tag,
// and with ErrInvalidSignature when sig does not match.
func (s *Signer) Verify(imageID int64, exp int64, sig string) error {
	if s.now().Unix() > exp {
		return ErrExpired
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(s.Sign(imageID, exp))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyQuery reads exp and sig from query and verifies them.
func (s *Signer) VerifyQuery(imageID int64, query url.Values) error {
	rawExp := query.Get("exp")
	sig := query.Get("sig")
	if rawExp == "" || sig == "" {
		return ErrMalformed
	}
	exp, err := strconv.ParseInt(rawExp, 10, 64)
	if err != nil {
		return ErrMalformed
	}
	return s.Verify(imageID, exp, sig)
}
