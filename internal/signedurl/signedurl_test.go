package signedurl_test

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envtrack/internal/signedurl"
	"envtrack/internal/testsupport"
)

func newSigner(t *testing.T, now time.Time) *signedurl.Signer {
	t.Helper()
	s, err := signedurl.New("unit-test-secret", "/images", 5*time.Minute)
	require.NoError(t, err)
	s.SetClock(func() time.Time { return now })
	return s
}

func parse(t *testing.T, raw string) (string, url.Values) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Path, u.Query()
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	s := newSigner(t, now)

	issued := s.IssueURL(42, 0)
	p, q := parse(t, issued.URL)
	assert.Equal(t, "/images/42", p)
	assert.Equal(t, strconv.FormatInt(now.Add(5*time.Minute).Unix(), 10), q.Get("exp"))
	assert.Len(t, q.Get("sig"), 64)
	assert.Equal(t, now.Add(5*time.Minute).UTC(), issued.ExpiresAt)

	require.NoError(t, s.VerifyQuery(42, q))
}

func TestVerifyRejectsExpiredEvenWithValidTag(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	s := newSigner(t, now)
	_, q := parse(t, s.IssueURL(7, 30*time.Second).URL)

	s.SetClock(func() time.Time { return now.Add(31 * time.Second) })
	assert.ErrorIs(t, s.VerifyQuery(7, q), signedurl.ErrExpired)

	s.SetClock(func() time.Time { return now.Add(30 * time.Second) })
	assert.NoError(t, s.VerifyQuery(7, q), "the expiry second itself still verifies")
}

func TestVerifyRejectsTampering(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	s := newSigner(t, now)
	_, q := parse(t, s.IssueURL(7, 0).URL)
	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	require.NoError(t, err)
	sig := q.Get("sig")

	assert.ErrorIs(t, s.Verify(8, exp, sig), signedurl.ErrInvalidSignature, "other image")
	assert.ErrorIs(t, s.Verify(7, exp+60, sig), signedurl.ErrInvalidSignature, "extended expiry")
	assert.ErrorIs(t, s.Verify(7, exp, strings.Repeat("0", 64)), signedurl.ErrInvalidSignature, "forged tag")
	assert.ErrorIs(t, s.Verify(7, exp, "not-hex"), signedurl.ErrInvalidSignature, "garbage tag")
	assert.ErrorIs(t, s.Verify(7, exp, sig[:10]), signedurl.ErrInvalidSignature, "truncated tag")

	other, err := signedurl.New("another-secret", "/images", time.Minute)
	require.NoError(t, err)
	other.SetClock(func() time.Time { return now })
	assert.ErrorIs(t, other.Verify(7, exp, sig), signedurl.ErrInvalidSignature, "other key")
}

func TestVerifyQueryMalformed(t *testing.T) {
	s := newSigner(t, time.Now())
	for _, raw := range []string{"", "exp=10", "sig=ab", "exp=soon&sig=ab"} {
		q, err := url.ParseQuery(raw)
		require.NoError(t, err)
		assert.ErrorIs(t, s.VerifyQuery(1, q), signedurl.ErrMalformed, raw)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Signing.BasePath = "media/"
	s, err := signedurl.NewFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/media", s.BasePath())
	assert.True(t, strings.HasPrefix(s.IssueURL(3, 0).URL, "/media/3?"))

	cfg.Signing.Secret = ""
	_, err = signedurl.NewFromConfig(cfg)
	assert.Error(t, err)
}
