package auth

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec -- RFC draft turn-rest-api convention (draft-uberti-behave-turn-rest-00 §2.2), not a security choice of this code
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/gortc/turnrelay/internal/allocator"
)

// TURNRestCredentials implements the TURN REST API shared-secret scheme
// (draft-uberti-behave-turn-rest-00 §2.2): a client is issued a username of
// the form "<timestamp>:<user>" by an external web service, and the
// server derives that username's password as
// base64(HMAC-SHA1(k, username)) without ever validating the
// timestamp itself; the external service owns that lifecycle.
//
// k is not the raw shared secret: the secret is first run through HKDF
// to derive the actual key material, so the
// operator-supplied secret never doubles as a live MAC key.
type TURNRestCredentials struct {
	allocator.NopObserver
	key []byte
}

// NewTURNRestCredentials derives the HMAC key from secret via HKDF-SHA1
// and returns a ready-to-use observer.
func NewTURNRestCredentials(secret []byte) (*TURNRestCredentials, error) {
	kdf := hkdf.New(sha1.New, secret, nil, []byte("turnrelay-turn-rest-credentials"))
	key := make([]byte, sha1.Size)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return &TURNRestCredentials{key: key}, nil
}

// GetPassword implements allocator.Observer: any non-empty username gets a
// password, since the password is a deterministic function of it and the
// shared secret; the "<timestamp>:<user>" form is not checked.
func (c *TURNRestCredentials) GetPassword(username string) (string, bool) {
	if username == "" {
		return "", false
	}
	mac := hmac.New(sha1.New, c.key)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), true
}
