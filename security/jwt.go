// Package security provides cryptographic utilities. This file implements
// verification of the RS256-signed access tokens issued by the external
// user service: loading the signing key's public half from a PEM file and
// checking a bearer token's signature, expiration, and required claims.
// No token is ever minted here — that is the issuer's job.
package security

import (
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is the caller identity extracted from a verified access token.
type Principal struct {
	Subject string
	Name    string
	Email   string
}

// TokenVerifier checks bearer tokens against a fixed RSA public key.
type TokenVerifier struct {
	key jwk.Key
}

// NewTokenVerifier loads an RSA public key from a PEM file and returns a
// verifier bound to it.
func NewTokenVerifier(publicKeyPEMPath string) (*TokenVerifier, error) {
	pemBytes, err := os.ReadFile(publicKeyPEMPath)
	if err != nil {
		return nil, fmt.Errorf("read public key file: %w", err)
	}

	raw, err := jwk.PEMToRawKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key PEM: %w", err)
	}

	pub, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}

	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, fmt.Errorf("build jwk from public key: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, fmt.Errorf("set key algorithm: %w", err)
	}

	return &TokenVerifier{key: key}, nil
}

// Verify checks tokenString's signature and expiration, then extracts the
// caller's principal from its sub/name/email claims.
func (v *TokenVerifier) Verify(tokenString string) (Principal, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.RS256, v.key), jwt.WithValidate(true))
	if err != nil {
		return Principal{}, fmt.Errorf("verify token: %w", err)
	}

	principal := Principal{Subject: token.Subject()}

	if name, ok := token.Get("name"); ok {
		if s, ok := name.(string); ok {
			principal.Name = s
		}
	}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			principal.Email = s
		}
	}

	if principal.Subject == "" {
		return Principal{}, fmt.Errorf("token has no subject claim")
	}

	return principal, nil
}
