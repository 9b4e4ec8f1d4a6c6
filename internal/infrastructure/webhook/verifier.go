// Package webhook authenticates and decodes institution callbacks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const DefaultSignatureHeader = "X-Signature"

var (
	ErrMissingSignature = errors.New("webhook signature missing")
	ErrInvalidSignature = errors.New("webhook signature invalid")
	ErrNoSecret         = errors.New("webhook secret not configured")
)

// Verifier checks an HMAC-SHA256 of the raw body, hex encoded, optionally
// prefixed with "sha256=".
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: []byte(secret)}, nil
}

func (v *Verifier) Verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, v.sign(body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the header value a sender would attach to body.
func (v *Verifier) Sign(body []byte) string {
	return "sha256=" + hex.EncodeToString(v.sign(body))
}

func (v *Verifier) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
