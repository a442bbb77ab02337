package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, keyed with the app secret.
const SignatureHeader = "X-Hub-Signature-256"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// VerifySignature checks header (formatted "sha256=<hex>") against body.
func VerifySignature(body []byte, header, appSecret string) error {
	if header == "" {
		return ErrMissingSignature
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(body, appSecret)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(body []byte, appSecret string) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureFor formats the signature header value for body.
func SignatureFor(body []byte, appSecret string) string {
	return "sha256=" + hex.EncodeToString(Sign(body, appSecret))
}
