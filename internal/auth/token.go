package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/matheus3301/dmhub/internal/chaterr"
)

// QueryParam is the query parameter accepted on the hub handshake when the
// transport cannot set headers.
const QueryParam = "access_token"

// Options configures token verification. Issuer and Audience are checked
// only when set.
type Options struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates bearer tokens issued by the identity provider and
// extracts the user id from the subject claim.
type Verifier struct {
	key    []byte
	opts   Options
	parser *jwt.Parser
}

// NewVerifier creates a verifier for HS256 tokens signed with opts.Secret.
func NewVerifier(opts Options) (*Verifier, error) {
	if opts.Secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	return &Verifier{
		key:    []byte(opts.Secret),
		opts:   opts,
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Verify checks the token signature and lifetime and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", &chaterr.AuthenticationError{Reason: "missing token"}
	}
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return "", &chaterr.AuthenticationError{Reason: "invalid token", Err: err}
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", &chaterr.AuthenticationError{Reason: "subject is not a user id", Err: err}
	}
	return claims.Subject, nil
}

// Issue signs a token for userID. It stands in for the identity provider in
// development and tests.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.opts.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.opts.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// or from the access_token query parameter when allowQuery is set.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if allowQuery {
		return r.URL.Query().Get(QueryParam)
	}
	return ""
}
