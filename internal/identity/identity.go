// Package identity turns access tokens into the caller's Principal.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/ent0n29/stepwise/internal/apperr"
)

// Audience is the aud claim every access token carries.
const Audience = "NeuralAgent"

const tokenTypeAccess = "access"

var ErrInvalidToken = errors.New("Invalid_Token")

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	SessionID string
}

// Resolver validates a raw token.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// SessionChecker reports whether a login session is still open. It is optional.
type SessionChecker interface {
	SessionValid(ctx context.Context, sessionID string) (bool, error)
}

// Config carries the signing parameters.
type Config struct {
	Secret string `koanf:"jwt_secret"`
	Issuer string `koanf:"jwt_issuer"`
}

// JWTResolver verifies HS256 access tokens.
type JWTResolver struct {
	secret   []byte
	issuer   string
	sessions SessionChecker
	parser   *jwt.Parser
}

func NewJWTResolver(cfg Config, sessions SessionChecker) (*JWTResolver, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTResolver{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		sessions: sessions,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithJSONNumber()),
	}, nil
}

func (r *JWTResolver) Resolve(ctx context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, unauthenticated(ErrInvalidToken)
	}
	claims := jwt.MapClaims{}
	if _, err := r.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}); err != nil {
		return Principal{}, unauthenticated(err)
	}
	if !claims.VerifyAudience(Audience, true) {
		return Principal{}, unauthenticated(errors.New("audience mismatch"))
	}
	if r.issuer != "" && !claims.VerifyIssuer(r.issuer, true) {
		return Principal{}, unauthenticated(errors.New("issuer mismatch"))
	}
	if tt, _ := claims["token_type"].(string); tt != tokenTypeAccess {
		return Principal{}, unauthenticated(errors.New("not an access token"))
	}

	p := Principal{UserID: claimString(claims["user_id"]), SessionID: claimString(claims["session_id"])}
	if p.UserID == "" {
		return Principal{}, unauthenticated(errors.New("token has no user_id"))
	}
	if r.sessions != nil && p.SessionID != "" {
		ok, err := r.sessions.SessionValid(ctx, p.SessionID)
		if err != nil {
			return Principal{}, apperr.Storage(err, "check login session")
		}
		if !ok {
			return Principal{}, unauthenticated(errors.New("session logged out"))
		}
	}
	return p, nil
}

// IssueAccessToken signs an access token for tests and local tooling.
func IssueAccessToken(cfg Config, p Principal, claims jwt.MapClaims) (string, error) {
	all := jwt.MapClaims{
		"user_id":    p.UserID,
		"sub":        p.UserID,
		"aud":        Audience,
		"token_type": tokenTypeAccess,
	}
	if cfg.Issuer != "" {
		all["iss"] = cfg.Issuer
	}
	if p.SessionID != "" {
		all["session_id"] = p.SessionID
	}
	for k, v := range claims {
		all[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, all).SignedString([]byte(cfg.Secret))
}

// claimString accepts the numeric and string ids found in issued tokens.
func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%.0f", t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func unauthenticated(cause error) error {
	return apperr.Wrap(apperr.CodeUnauthenticated, cause, ErrInvalidToken.Error())
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the Principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// TokenFromRequest reads a bearer header, falling back to the access_token query parameter that
// websocket clients use.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
