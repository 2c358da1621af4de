package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/stepwise/internal/apperr"
)

var testCfg = Config{Secret: "s3cret", Issuer: "stepwise-auth"}

type sessions map[string]bool

func (s sessions) SessionValid(_ context.Context, id string) (bool, error) {
	valid, ok := s[id]
	if !ok {
		return false, errors.New("lookup failed")
	}
	return valid, nil
}

func TestResolveAcceptsAccessToken(t *testing.T) {
	r, err := NewJWTResolver(testCfg, sessions{"7": true})
	require.NoError(t, err)

	token, err := IssueAccessToken(testCfg, Principal{UserID: "u1", SessionID: "7"},
		jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)

	p, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u1", SessionID: "7"}, p)
}

func TestResolveAcceptsNumericIDs(t *testing.T) {
	r, err := NewJWTResolver(testCfg, nil)
	require.NoError(t, err)
	token, err := IssueAccessToken(testCfg, Principal{}, jwt.MapClaims{"user_id": 42, "session_id": 9})
	require.NoError(t, err)

	p, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "42", SessionID: "9"}, p)
}

func TestResolveRejects(t *testing.T) {
	r, err := NewJWTResolver(testCfg, sessions{"7": false})
	require.NoError(t, err)
	principal := Principal{UserID: "u1"}

	sign := func(cfg Config, claims jwt.MapClaims) string {
		token, err := IssueAccessToken(cfg, principal, claims)
		require.NoError(t, err)
		return token
	}
	cases := map[string]string{
		"empty":         "",
		"garbage":       "not-a-token",
		"expired":       sign(testCfg, jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()}),
		"refresh token": sign(testCfg, jwt.MapClaims{"token_type": "refresh"}),
		"wrong aud":     sign(testCfg, jwt.MapClaims{"aud": "Other"}),
		"wrong iss":     sign(Config{Secret: testCfg.Secret, Issuer: "elsewhere"}, nil),
		"wrong secret":  sign(Config{Secret: "other", Issuer: testCfg.Issuer}, nil),
		"no user":       sign(testCfg, jwt.MapClaims{"user_id": ""}),
		"logged out":    sign(testCfg, jwt.MapClaims{"session_id": "7"}),
	}
	for name, token := range cases {
		_, err := r.Resolve(context.Background(), token)
		require.Error(t, err, name)
		assert.True(t, apperr.IsCode(err, apperr.CodeUnauthenticated), name)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": "u1", "aud": Audience, "iss": testCfg.Issuer, "token_type": "access",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), none)
	assert.True(t, apperr.IsCode(err, apperr.CodeUnauthenticated))
}

func TestResolveSessionLookupFailure(t *testing.T) {
	r, err := NewJWTResolver(testCfg, sessions{})
	require.NoError(t, err)
	token, err := IssueAccessToken(testCfg, Principal{UserID: "u1", SessionID: "missing"}, nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), token)
	assert.True(t, apperr.IsCode(err, apperr.CodeStorage))
}

func TestNewJWTResolverRequiresSecret(t *testing.T) {
	_, err := NewJWTResolver(Config{}, nil)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	r, err := NewJWTResolver(testCfg, nil)
	require.NoError(t, err)
	token, err := IssueAccessToken(testCfg, Principal{UserID: "u1"}, nil)
	require.NoError(t, err)

	var seen Principal
	h := Middleware(r, func(w http.ResponseWriter, _ *http.Request, err error) {
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
	})(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen, _ = FromContext(req.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u1", seen.UserID)

	req = httptest.NewRequest(http.MethodGet, "/v1/threads/t1/ws?access_token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/threads", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
