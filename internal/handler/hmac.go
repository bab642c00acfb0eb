package handler

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"

	"github.com/jeremyot/toto/internal/session"
)

// signingKey returns the bytes an HMAC is computed against for sess,
// selected by the handler's configured HMACKeyMode — spec §9's Open
// Question (b).
func (h *Handler) signingKey(sess *session.Session) []byte {
	if h.cfg.HMACKeyMode == HMACKeyModeSessionKey && len(sess.Key) > 0 {
		return sess.Key
	}
	return []byte(sess.UserID)
}

// computeHMAC implements spec §4.7 step 5:
// base64(HMAC-SHA1(key, body)).
func computeHMAC(key, body []byte) string {
	mac := hmac.New(sha1.New, key)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifyHMAC compares in constant time, matching the mismatch ->
// ERROR_INVALID_HMAC behavior spec §4.7 step 5 describes.
func verifyHMAC(key, body []byte, provided string) bool {
	expected := computeHMAC(key, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
