package staging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "invoiceimport/pkg/errors"
)

// Signer issues and checks time-limited upload URLs. The signature covers the
// object key and the expiry instant.
type Signer struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

func NewSigner(secret, publicBaseURL string) *Signer {
	return &Signer{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		now:     time.Now,
	}
}

// URL returns the signed PUT URL for key, valid for validity from now.
func (s *Signer) URL(key string, validity time.Duration) string {
	expires := s.now().Add(validity).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.sign(key, expires))

	return fmt.Sprintf("%s/uploads/%s?%s", s.baseURL, url.PathEscape(key), q.Encode())
}

// Verify checks the signature and the expiry of an upload request.
func (s *Signer) Verify(key, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fmt.Errorf("bad expires %q: %w", expires, apperrors.ErrInvalidSignature)
	}

	given, err := hex.DecodeString(signature)
	if err != nil {
		return apperrors.ErrInvalidSignature
	}
	want, _ := hex.DecodeString(s.sign(key, exp))
	if !hmac.Equal(given, want) {
		return apperrors.ErrInvalidSignature
	}

	if s.now().Unix() > exp {
		return apperrors.ErrUploadExpired
	}
	return nil
}

func (s *Signer) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("PUT\n"))
	mac.Write([]byte(key))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
