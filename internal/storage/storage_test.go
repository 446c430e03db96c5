package storage

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseSigned(t *testing.T, raw string) (key string, expires int64, sig string) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	expires, err = strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	return strings.TrimPrefix(u.Path, "/"), expires, u.Query().Get("signature")
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	s := NewSigner("https://blobs.example.com", []byte("secret"))

	raw, err := s.SignUpload("proofs/task_1/photo.jpg", 5*time.Minute)
	require.NoError(t, err)

	key, expires, sig := parseSigned(t, raw)
	assert.Equal(t, "proofs/task_1/photo.jpg", key)
	require.NoError(t, s.Verify("PUT", key, expires, sig))

	// A GET signature does not open a PUT.
	assert.Error(t, s.Verify("GET", key, expires, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := NewSigner("https://blobs.example.com", []byte("secret"))
	raw, err := s.SignDownload("proofs/task_1/photo.jpg", 5*time.Minute)
	require.NoError(t, err)
	_, expires, sig := parseSigned(t, raw)

	assert.Error(t, s.Verify("GET", "proofs/task_2/photo.jpg", expires, sig))
	assert.Error(t, s.Verify("GET", "proofs/task_1/photo.jpg", expires+60, sig))

	other := NewSigner("https://blobs.example.com", []byte("different"))
	assert.Error(t, other.Verify("GET", "proofs/task_1/photo.jpg", expires, sig))
}

func TestTTLClampedToCap(t *testing.T) {
	s := NewSigner("https://blobs.example.com", []byte("secret"))
	s.now = func() time.Time { return time.Unix(1_000_000, 0) }

	raw, err := s.SignUpload("proofs/task_1/a.jpg", 24*time.Hour)
	require.NoError(t, err)
	_, expires, _ := parseSigned(t, raw)
	assert.Equal(t, int64(1_000_000)+int64(maxTTL.Seconds()), expires)
}

func TestExpiredURLRejected(t *testing.T) {
	s := NewSigner("https://blobs.example.com", []byte("secret"))
	s.now = func() time.Time { return time.Unix(1_000_000, 0) }
	raw, err := s.SignUpload("proofs/task_1/a.jpg", time.Minute)
	require.NoError(t, err)
	key, expires, sig := parseSigned(t, raw)

	s.now = func() time.Time { return time.Unix(1_000_061, 0) }
	assert.Error(t, s.Verify("PUT", key, expires, sig))
}

func TestInvalidKeysRejected(t *testing.T) {
	s := NewSigner("https://blobs.example.com", []byte("secret"))
	_, err := s.SignUpload("", time.Minute)
	assert.Error(t, err)
	_, err = s.SignUpload("proofs/../secrets", time.Minute)
	assert.Error(t, err)
}

func TestNewArtifactKeySanitizes(t *testing.T) {
	key := NewArtifactKey("task_1", "my photo (1).jpg")
	assert.True(t, strings.HasPrefix(key, "proofs/task_1/"))
	assert.True(t, strings.HasSuffix(key, "my_photo__1_.jpg"))
}
