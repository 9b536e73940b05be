package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testSigner = common.HexToAddress("0x00000000000000000000000000000000000000c1")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   testSigner.Hex(),
		"iss":   "optionsd",
		"aud":   "options",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "options:settle options:admin",
	}
}

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "optionsd", Audience: "options"}, nil)
}

func TestAuthenticateExtractsIdentity(t *testing.T) {
	auth := newTestAuthenticator()
	id, err := auth.Authenticate(signToken(t, baseClaims()))
	require.NoError(t, err)
	require.Equal(t, testSigner, id.Address)
	require.True(t, id.HasScope("options:settle"))
	require.False(t, id.HasScope("options:other"))
}

func TestAuthenticateAudienceList(t *testing.T) {
	claims := baseClaims()
	claims["aud"] = []interface{}{"other", "options"}
	_, err := newTestAuthenticator().Authenticate(signToken(t, claims))
	require.NoError(t, err)
}

func TestAuthenticateRejectsInvalidTokens(t *testing.T) {
	cases := map[string]func(jwt.MapClaims){
		"expired":      func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
		"no expiry":    func(c jwt.MapClaims) { delete(c, "exp") },
		"wrong issuer": func(c jwt.MapClaims) { c["iss"] = "someone" },
		"wrong aud":    func(c jwt.MapClaims) { c["aud"] = "elsewhere" },
		"no subject":   func(c jwt.MapClaims) { delete(c, "sub") },
		"bad subject":  func(c jwt.MapClaims) { c["sub"] = "alice" },
		"zero subject": func(c jwt.MapClaims) { c["sub"] = "0x0000000000000000000000000000000000000000" },
		"missing aud":  func(c jwt.MapClaims) { delete(c, "aud") },
	}
	auth := newTestAuthenticator()
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			claims := baseClaims()
			mutate(claims)
			_, err := auth.Authenticate(signToken(t, claims))
			require.Error(t, err)
		})
	}
}

func TestAuthenticateRejectsForeignSignature(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims())
	signed, err := token.SignedString([]byte("another-secret-another-secret-00"))
	require.NoError(t, err)
	_, err = newTestAuthenticator().Authenticate(signed)
	require.Error(t, err)
}

func TestMiddlewareEnforcesScopes(t *testing.T) {
	auth := newTestAuthenticator()
	var seen Identity
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	handler := auth.Middleware()(RequireScopes("options:settle")(ok))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, baseClaims()))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, testSigner, seen.Address)

	claims := baseClaims()
	claims["scope"] = "options:read"
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, claims))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddlewareAcceptsQueryTokenOnlyForWebsocket(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	token := signToken(t, baseClaims())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events?access_token="+token, nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/events?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer  abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer("Bearer"))
}
