package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key"

// generateTestToken генерирует RS256 токен для тестов.
func generateTestToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("подпись токена: %v", err)
	}
	return s
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

// newTestJWTAuth создаёт JWTAuth с новым RSA ключом.
func newTestJWTAuth(t *testing.T, leeway time.Duration) (*JWTAuth, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("keyfunc из JWKS JSON: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewJWTAuthWithKeyfunc(kf, leeway, logger), key
}

func mustNotCall(t *testing.T) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler не должен быть вызван")
	})
}

func serve(h http.Handler, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/jsonrpc", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth_ValidToken(t *testing.T) {
	auth, key := newTestJWTAuth(t, 0)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sub := SubjectFromContext(r.Context()); sub != "operator" {
			t.Errorf("ожидался sub=operator, получен %s", sub)
		}
		w.WriteHeader(http.StatusOK)
	}))

	token := generateTestToken(t, key, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})

	rec := serve(handler, "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Errorf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	auth, key := newTestJWTAuth(t, 0)
	handler := auth.Middleware()(mustNotCall(t))

	expired := generateTestToken(t, key, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	noExp := generateTestToken(t, key, jwt.RegisteredClaims{Subject: "operator"})
	noSub := generateTestToken(t, key, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	hs.Header["kid"] = testKeyID
	hsToken, _ := hs.SignedString([]byte("shared-secret"))

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"no bearer prefix", "token123"},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not.a.jwt"},
		{"expired", "Bearer " + expired},
		{"without exp", "Bearer " + noExp},
		{"without sub", "Bearer " + noSub},
		{"hs256", "Bearer " + hsToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(handler, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", rec.Code)
			}
		})
	}
}

func TestJWTAuth_Leeway(t *testing.T) {
	auth, key := newTestJWTAuth(t, time.Minute)
	called := false
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	token := generateTestToken(t, key, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second)),
	})

	if rec := serve(handler, "Bearer "+token); rec.Code != http.StatusOK || !called {
		t.Errorf("токен в пределах leeway отклонён: %d", rec.Code)
	}
}

func TestSubjectFromContext(t *testing.T) {
	if got := SubjectFromContext(context.Background()); got != "" {
		t.Errorf("ожидалась пустая строка, получено %q", got)
	}
	ctx := context.WithValue(context.Background(), ContextKeySubject, "operator")
	if got := SubjectFromContext(ctx); got != "operator" {
		t.Errorf("ожидалось operator, получено %q", got)
	}
}

func TestStaticToken(t *testing.T) {
	h := StaticToken("s3cr3t-tok")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := map[string]int{
		"Bearer s3cr3t-tok": http.StatusNoContent,
		"bearer s3cr3t-tok": http.StatusNoContent,
		"Bearer wrong":      http.StatusUnauthorized,
		"s3cr3t-tok":        http.StatusUnauthorized,
		"":                  http.StatusUnauthorized,
	}
	for header, want := range tests {
		if rec := serve(h, header); rec.Code != want {
			t.Errorf("Authorization %q: статус %d, ожидается %d", header, rec.Code, want)
		}
	}
}
