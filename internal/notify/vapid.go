package notify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VAPIDKeys holds the P-256 key pair used to sign Web Push assertions.
// The teacher's plugins/auth/jwt.go signs local session JWTs with HMAC;
// here the same golang-jwt/jwt/v5 machinery is repurposed for the
// ES256-signed VAPID assertion required by RFC 8292, since this
// service's session tokens are opaque and hashed, not JWTs.
type VAPIDKeys struct {
	Public  string // base64url, uncompressed P-256 point
	private *ecdsa.PrivateKey
}

// ParseVAPIDKeys decodes a base64url P-256 private scalar and derives the
// signing key pair from it. publicB64 is stored as given for the k=
// parameter; it is neither decoded nor checked against the private key.
func ParseVAPIDKeys(publicB64, privateB64 string) (*VAPIDKeys, error) {
	privBytes, err := base64.RawURLEncoding.DecodeString(privateB64)
	if err != nil {
		return nil, fmt.Errorf("vapid: invalid private key encoding: %w", err)
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(privBytes)
	x, y := curve.ScalarBaseMult(privBytes)

	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
	return &VAPIDKeys{Public: publicB64, private: key}, nil
}

// Authorization builds the "Authorization: vapid t=<jwt>, k=<publicKey>"
// header value for a push addressed to endpoint, per RFC 8292: the JWT
// audience is the push service's origin, subject identifies the
// application, and the assertion is valid for 12 hours.
func (k *VAPIDKeys) Authorization(endpoint, subject string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("vapid: invalid endpoint: %w", err)
	}
	aud := u.Scheme + "://" + u.Host

	claims := jwt.MapClaims{
		"aud": aud,
		"exp": time.Now().Add(12 * time.Hour).Unix(),
		"sub": subject,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(k.private)
	if err != nil {
		return "", fmt.Errorf("vapid: signing failed: %w", err)
	}
	return fmt.Sprintf("vapid t=%s, k=%s", signed, k.Public), nil
}

var ErrVAPIDNotConfigured = errors.New("vapid keys are not configured")
