// Package auth validates bearer credentials presented at connect time.
// Tokens are RS256 JWTs verified against a JWKS document published by the
// identity provider; signing keys are cached per key id with a bounded TTL.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/talkdojo/transcribe-gateway/internal/resilience"
)

var (
	// ErrNoToken indicates the handshake carried no credential at all.
	ErrNoToken = errors.New("auth: no token provided")

	// ErrMalformed indicates the token could not be decoded far enough to
	// identify a signing key.
	ErrMalformed = errors.New("auth: malformed token")

	// ErrKeyNotFound indicates the token's key id is unknown to the key
	// source, even after a refresh fetch.
	ErrKeyNotFound = errors.New("auth: signing key not found")

	// ErrInvalid indicates the signature, issuer, audience or validity
	// window did not check out.
	ErrInvalid = errors.New("auth: token invalid")
)

// Claims are the identity attributes extracted from a verified token.
type Claims struct {
	Subject  string
	Email    string
	Username string
}

// Options configures an Authenticator.
type Options struct {
	JWKSURL  string
	Issuer   string
	Audience string

	// KeyTTL bounds how long a fetched signing key is trusted without a
	// refresh. Zero means DefaultKeyTTL.
	KeyTTL time.Duration

	// MaxKeys bounds the number of cached signing keys. Zero means
	// DefaultMaxKeys.
	MaxKeys int

	// HTTPClient is used for JWKS fetches. Nil means http.DefaultClient.
	HTTPClient *http.Client

	// Retry configures backoff for JWKS fetches. Nil means the
	// resilience package default.
	Retry *resilience.RetryConfig
}

// Authenticator verifies bearer tokens. It owns its key cache; no state
// is shared between instances.
type Authenticator struct {
	issuer   string
	audience string
	keys     *keyCache
}

// New creates an Authenticator for the given key source and expected
// issuer/audience pair.
func New(opts Options) *Authenticator {
	return &Authenticator{
		issuer:   opts.Issuer,
		audience: opts.Audience,
		keys:     newKeyCache(opts),
	}
}

// Authenticate validates token and returns the identity claims it carries.
// The only side effect is key-cache population.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrNoToken
	}

	msg, err := jws.Parse([]byte(token))
	if err != nil || len(msg.Signatures()) == 0 {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kid := msg.Signatures()[0].ProtectedHeaders().KeyID()
	if kid == "" {
		return Claims{}, fmt.Errorf("%w: missing key id", ErrMalformed)
	}

	key, err := a.keys.lookup(ctx, kid)
	if err != nil {
		return Claims{}, err
	}

	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.RS256, key),
		jwt.WithValidate(true),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims := Claims{Subject: parsed.Subject()}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalid)
	}
	if v, ok := parsed.Get("email"); ok {
		claims.Email, _ = v.(string)
	}
	if v, ok := parsed.Get("username"); ok {
		claims.Username, _ = v.(string)
	} else if v, ok := parsed.Get("cognito:username"); ok {
		claims.Username, _ = v.(string)
	}

	return claims, nil
}
