package sessioncache

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // spec-mandated wire format, not a new design choice
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/toto"
)

// PrefixPaddingSize is PREFIX_PADDING_SIZE from spec §4.2: random
// bytes prepended before encryption so two sessions with identical
// state never produce a ciphertext prefix collision.
const PrefixPaddingSize = 16

const hmacSize = sha1.Size

// SealedCache is the client-side session cache from spec §4.2: the
// session payload is serialized, padding-prefixed, AES-CBC encrypted,
// HMAC-SHA1 authenticated, and base64 encoded — the token itself is
// the session id, so Remove is a no-op (state lives entirely in the
// token the client holds).
//
// A hashicorp/golang-lru/v2 cache (direct dependency of
// DeltaRule-DeltaDatabase) front-caches decoded tokens for the life
// of the process so a hot loop of requests carrying the same token
// doesn't re-run AES+HMAC on every call. It is purely an
// optimization: a cache miss always falls through to a full decode,
// so process restarts or a full cache never change behavior.
type SealedCache struct {
	key    []byte // AES key, 16/24/32 bytes
	iv     []byte // AES-CBC IV, block-size bytes
	hmac   []byte // HMAC-SHA1 signing key
	decode *lru.Cache[string, *session.Session]
}

func NewSealedCache(key, iv, hmacKey []byte, decodeCacheSize int) (*SealedCache, error) {
	if decodeCacheSize <= 0 {
		decodeCacheSize = 4096
	}
	c, err := lru.New[string, *session.Session](decodeCacheSize)
	if err != nil {
		return nil, err
	}
	return &SealedCache{key: key, iv: iv, hmac: hmacKey, decode: c}, nil
}

func (c *SealedCache) blockCipher() (cipher.Block, error) { return aes.NewCipher(c.key) }

// Store seals sess into a token and returns it; the returned string
// replaces SessionID as what the client is handed back.
func (c *SealedCache) Store(ctx context.Context, sess *session.Session) (string, error) {
	payload, err := json.Marshal(wireSession{
		UserID:  sess.UserID,
		Expires: sess.Expires,
		State:   sess.State,
	})
	if err != nil {
		return "", toto.Wrap(err)
	}

	padded := make([]byte, PrefixPaddingSize, PrefixPaddingSize+len(payload))
	if _, err := rand.Read(padded[:PrefixPaddingSize]); err != nil {
		return "", toto.Wrap(err)
	}
	padded = append(padded, payload...)
	padded = pkcs7Pad(padded, aes.BlockSize)

	block, err := c.blockCipher()
	if err != nil {
		return "", toto.Wrap(err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha1.New, c.hmac)
	mac.Write(ciphertext)
	sig := mac.Sum(nil)

	token := base64.URLEncoding.EncodeToString(append(ciphertext, sig...))
	c.decode.Add(token, &session.Session{SessionID: token, UserID: sess.UserID, Expires: sess.Expires, State: sess.State})
	return token, nil
}

// Load unseals token. On HMAC mismatch it returns toto.ErrInvalidHMAC.
// On success, SessionID is rewritten to the input token (not
// regenerated) so repeated refreshes keep a stable token.
func (c *SealedCache) Load(ctx context.Context, token string) (*session.Session, error) {
	if sess, ok := c.decode.Get(token); ok {
		cp := *sess
		return &cp, nil
	}

	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, toto.New(toto.ErrInvalidSession, nil)
	}
	if len(raw) < hmacSize+aes.BlockSize {
		return nil, toto.New(toto.ErrInvalidSession, nil)
	}

	ciphertext, sig := raw[:len(raw)-hmacSize], raw[len(raw)-hmacSize:]

	mac := hmac.New(sha1.New, c.hmac)
	mac.Write(ciphertext)
	want := mac.Sum(nil)
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return nil, toto.New(toto.ErrInvalidHMAC, nil)
	}

	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, toto.New(toto.ErrInvalidSession, nil)
	}
	block, err := c.blockCipher()
	if err != nil {
		return nil, toto.Wrap(err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, ciphertext)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, toto.New(toto.ErrInvalidSession, nil)
	}
	if len(plain) < PrefixPaddingSize {
		return nil, toto.New(toto.ErrInvalidSession, nil)
	}
	payload := plain[PrefixPaddingSize:]

	var w wireSession
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, toto.New(toto.ErrInvalidSession, nil)
	}

	sess := &session.Session{SessionID: token, UserID: w.UserID, Expires: w.Expires, State: w.State}
	c.decode.Add(token, sess)
	cp := *sess
	return &cp, nil
}

// Remove only drops token from the decode cache: all state lives in
// the token the client holds, so the token itself stays loadable.
func (c *SealedCache) Remove(ctx context.Context, token string) error {
	c.decode.Remove(token)
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, toto.New(toto.ErrInvalidSession, nil)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, toto.New(toto.ErrInvalidSession, nil)
	}
	return data[:len(data)-padLen], nil
}
