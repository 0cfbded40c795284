package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix is accepted, and ignored, in front of a hex signature.
const SignaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature of body in constant
// time. It returns ErrSignatureMismatch for any malformed or wrong value.
func VerifySignature(secret, body []byte, signature string) error {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), SignaturePrefix)
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return ErrSignatureMismatch
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}
