package teegate

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenIssuer is the issuer every bearer token must carry.
const TokenIssuer = "kerf"

// AuthSnapshot is the per-session authorization state captured at upgrade
// time. Subscribed sessions bypass the expiry check; everyone else gets a
// 402 once the token expiry passes.
type AuthSnapshot struct {
	Subscribed bool
	Expiry     time.Time
}

// Expired reports whether requests must be refused with a 402. Subscribed
// sessions never expire mid-connection; a zero Expiry means no limit.
func (a AuthSnapshot) Expired(now time.Time) bool {
	return !a.Subscribed && !a.Expiry.IsZero() && a.Expiry.Before(now)
}

type tokenClaims struct {
	Subscribed bool `json:"subscribed,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates the HMAC-SHA256 bearer tokens that gate the
// websocket upgrade.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier over the shared HMAC secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Verify checks the token signature, issuer and expiry, and returns the
// session authorization snapshot.
func (v *TokenVerifier) Verify(token string) (AuthSnapshot, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return AuthSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.VerifyIssuer(TokenIssuer, true) {
		return AuthSnapshot{}, fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return AuthSnapshot{}, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	return AuthSnapshot{Subscribed: claims.Subscribed, Expiry: claims.ExpiresAt.Time}, nil
}

// VerifyRequest extracts and verifies the bearer token carried as the
// "token" query parameter of the websocket URL.
func (v *TokenVerifier) VerifyRequest(query url.Values) (AuthSnapshot, error) {
	token := query.Get("token")
	if token == "" {
		return AuthSnapshot{}, fmt.Errorf("%w: missing token parameter", ErrInvalidToken)
	}
	return v.Verify(token)
}

// SignToken mints a bearer token for the given expiry and subscription flag.
// Token issuance is not a gateway concern; this exists for examples, tests
// and local development.
func SignToken(secret []byte, expiry time.Time, subscribed bool) (string, error) {
	claims := tokenClaims{
		Subscribed: subscribed,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
