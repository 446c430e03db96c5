// Package storage issues short-lived presigned URLs for proof artifacts.
// Clients upload directly to the blob gateway; the backend only ever
// handles keys and signatures, never bytes.
package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
)

// maxTTL caps how long a presigned URL stays valid.
const maxTTL = 15 * time.Minute

// Signer mints and verifies presigned URLs.
type Signer struct {
	baseURL string
	secret  []byte
	now     func() time.Time
}

func NewSigner(baseURL string, secret []byte) *Signer {
	return &Signer{baseURL: strings.TrimRight(baseURL, "/"), secret: secret, now: time.Now}
}

// NewArtifactKey builds a collision-free object key for a proof upload.
func NewArtifactKey(taskID, filename string) string {
	return fmt.Sprintf("proofs/%s/%s-%s", taskID, domain.NewID(), sanitize(filename))
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, name)
}

// SignUpload returns a presigned PUT URL for the key. The TTL is clamped
// to the cap rather than rejected; callers asking for more get less.
func (s *Signer) SignUpload(key string, ttl time.Duration) (string, error) {
	return s.sign("PUT", key, ttl)
}

// SignDownload returns a presigned GET URL for reviewing an artifact.
func (s *Signer) SignDownload(key string, ttl time.Duration) (string, error) {
	return s.sign("GET", key, ttl)
}

func (s *Signer) sign(method, key string, ttl time.Duration) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", hxerr.New(hxerr.Validation, "invalid artifact key")
	}
	if ttl <= 0 || ttl > maxTTL {
		ttl = maxTTL
	}
	expires := s.now().Add(ttl).Unix()
	sig := s.signature(method, key, expires)

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("method", method)
	q.Set("signature", sig)
	return fmt.Sprintf("%s/%s?%s", s.baseURL, key, q.Encode()), nil
}

// Verify checks a presigned request the blob gateway forwards back.
func (s *Signer) Verify(method, key string, expires int64, signature string) error {
	if s.now().Unix() > expires {
		return hxerr.New(hxerr.Authentication, "presigned URL expired")
	}
	expected := s.signature(method, key, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return hxerr.New(hxerr.Authentication, "presigned URL signature mismatch")
	}
	return nil
}

func (s *Signer) signature(method, key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
