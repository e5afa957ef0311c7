package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

// writeTestKeyPair generates an RSA key pair, writes the public half as a
// PEM file under dir, and returns both the file path and the private key
// for signing test tokens.
func writeTestKeyPair(t *testing.T, dir string) (string, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	path := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(path, pubPEM, 0o644))
	return path, priv
}

func signTestToken(t *testing.T, priv *rsa.PrivateKey, sub, name, email string, expiry time.Time) string {
	t.Helper()
	token, err := jwt.NewBuilder().
		Subject(sub).
		Claim("name", name).
		Claim("email", email).
		Expiration(expiry).
		Build()
	require.NoError(t, err)

	key, err := jwk.FromRaw(priv)
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func TestTokenVerifier_ValidTokenExtractsPrincipal(t *testing.T) {
	dir := t.TempDir()
	path, priv := writeTestKeyPair(t, dir)

	verifier, err := NewTokenVerifier(path)
	require.NoError(t, err)

	tokenStr := signTestToken(t, priv, "user-42", "Ada Lovelace", "ada@example.test", time.Now().Add(time.Hour))

	principal, err := verifier.Verify(tokenStr)
	require.NoError(t, err)
	require.Equal(t, "user-42", principal.Subject)
	require.Equal(t, "Ada Lovelace", principal.Name)
	require.Equal(t, "ada@example.test", principal.Email)
}

func TestTokenVerifier_ExpiredTokenRejected(t *testing.T) {
	dir := t.TempDir()
	path, priv := writeTestKeyPair(t, dir)

	verifier, err := NewTokenVerifier(path)
	require.NoError(t, err)

	tokenStr := signTestToken(t, priv, "user-42", "Ada Lovelace", "ada@example.test", time.Now().Add(-time.Hour))

	_, err = verifier.Verify(tokenStr)
	require.Error(t, err)
}

func TestTokenVerifier_WrongKeyRejected(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeTestKeyPair(t, dir)
	_, otherPriv := writeTestKeyPair(t, t.TempDir())

	verifier, err := NewTokenVerifier(path)
	require.NoError(t, err)

	tokenStr := signTestToken(t, otherPriv, "user-42", "Ada Lovelace", "ada@example.test", time.Now().Add(time.Hour))

	_, err = verifier.Verify(tokenStr)
	require.Error(t, err)
}

func TestNewTokenVerifier_MissingFile(t *testing.T) {
	_, err := NewTokenVerifier(filepath.Join(t.TempDir(), "does-not-exist.pem"))
	require.Error(t, err)
}
