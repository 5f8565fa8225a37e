package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verify checks the vendor's HMAC-SHA256 signature over the raw request body.
// The signature is hex-encoded; comparison is constant-time. Verification
// runs on the raw bytes before any parsing, so a forged body is rejected
// without ever being interpreted.
func Verify(raw []byte, signature string, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	return hmac.Equal(expected, provided)
}

// Sign computes the hex-encoded HMAC-SHA256 signature for a body.
func Sign(raw []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
