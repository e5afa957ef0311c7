package api

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"picturas.eve.evalgo.org/db"
	"picturas.eve.evalgo.org/security"
)

type fakeProjectLookup struct {
	projects map[string]*db.Project
}

func (f *fakeProjectLookup) GetProject(id string) (*db.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, gormNotFound{}
	}
	return p, nil
}

type gormNotFound struct{}

func (gormNotFound) Error() string { return "record not found" }

func newTestVerifier(t *testing.T) (*security.TokenVerifier, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	path := filepath.Join(t.TempDir(), "public.pem")
	require.NoError(t, os.WriteFile(path, pubPEM, 0o644))

	verifier, err := security.NewTokenVerifier(path)
	require.NoError(t, err)
	return verifier, priv
}

func signToken(t *testing.T, priv *rsa.PrivateKey, sub string) string {
	t.Helper()
	token, err := jwt.NewBuilder().Subject(sub).Expiration(time.Now().Add(time.Hour)).Build()
	require.NoError(t, err)
	key, err := jwk.FromRaw(priv)
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func TestRequireBearerToken_RejectsMissingHeader(t *testing.T) {
	verifier, _ := newTestVerifier(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := RequireBearerToken(verifier)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	err := handler(c)

	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestRequireBearerToken_AcceptsValidToken(t *testing.T) {
	verifier, priv := newTestVerifier(t)
	token := signToken(t, priv, "user-1")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seenPrincipal security.Principal
	handler := RequireBearerToken(verifier)(func(c echo.Context) error {
		p, _ := GetPrincipal(c)
		seenPrincipal = p
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	require.Equal(t, "user-1", seenPrincipal.Subject)
}

func TestRequireProjectOwnership_ForbidsNonOwner(t *testing.T) {
	lookup := &fakeProjectLookup{projects: map[string]*db.Project{
		"proj-1": {ID: "proj-1", OwnerID: "user-owner"},
	}}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("proj-1")
	SetPrincipal(c, security.Principal{Subject: "user-other"})

	handler := RequireProjectOwnership(lookup)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	err := handler(c)

	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusForbidden, httpErr.Code)
}

func TestRequireProjectOwnership_NotFound(t *testing.T) {
	lookup := &fakeProjectLookup{projects: map[string]*db.Project{}}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")
	SetPrincipal(c, security.Principal{Subject: "user-other"})

	handler := RequireProjectOwnership(lookup)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	err := handler(c)

	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestRequireProjectOwnership_AllowsOwner(t *testing.T) {
	lookup := &fakeProjectLookup{projects: map[string]*db.Project{
		"proj-1": {ID: "proj-1", OwnerID: "user-owner"},
	}}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("proj-1")
	SetPrincipal(c, security.Principal{Subject: "user-owner"})

	handler := RequireProjectOwnership(lookup)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	require.NoError(t, handler(c))
}
