package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "test-key-1"

// TestClaims are the identity claims placed in generated tokens.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Roles     []string
}

// tokenIssuer signs tokens with an RSA key published by a local JWKS server.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key := mustRSAKey()

	set := map[string]any{"keys": []map[string]any{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		key:      key,
		jwks:     srv,
		issuer:   "https://auth.test.pulse.dev",
		audience: "pulse-test",
	}
}

// GenerateToken returns a token valid for an hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return ti.sign(ti.key, claims, time.Now())
}

// GenerateExpiredToken returns a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return ti.sign(ti.key, claims, time.Now().Add(-2*time.Hour))
}

// GenerateForgedToken returns a well-formed token signed by a key the JWKS
// server does not publish.
func (ti *tokenIssuer) GenerateForgedToken(claims TestClaims) string {
	return ti.sign(mustRSAKey(), claims, time.Now())
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return ti.issuer }
func (ti *tokenIssuer) Audience() string { return ti.audience }

func (ti *tokenIssuer) sign(key *rsa.PrivateKey, claims TestClaims, issuedAt time.Time) string {
	mc := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		"sub":       claims.SubjectID,
		"tenant_id": claims.TenantID,
	}
	if len(claims.Roles) > 0 {
		// Decoded tokens carry roles as []any.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mc["roles"] = roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

func mustRSAKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generate RSA key: " + err.Error())
	}
	return key
}
