// Package api provides the HTTP-layer authentication and ownership
// middleware shared by every project route.
package api

import (
	"net/http"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"picturas.eve.evalgo.org/db"
	"picturas.eve.evalgo.org/security"
)

// contextKeyPrincipal is where the authenticated caller is stored in the
// Echo context once the bearer token has been verified.
const contextKeyPrincipal = "principal"

// SetPrincipal stores the verified caller identity in the Echo context.
func SetPrincipal(c echo.Context, principal security.Principal) {
	c.Set(contextKeyPrincipal, principal)
}

// GetPrincipal retrieves the verified caller identity from the Echo
// context. Returns false if authentication middleware has not run.
func GetPrincipal(c echo.Context) (security.Principal, bool) {
	p, ok := c.Get(contextKeyPrincipal).(security.Principal)
	return p, ok
}

// RequireBearerToken returns echo-jwt middleware that extracts the
// Authorization header's bearer token and hands it to verifier instead of
// echo-jwt's own HMAC/RSA key parsing. ParseTokenFunc's return value is
// stored verbatim under contextKeyPrincipal, so the security.Principal
// verifier.Verify produces is exactly what GetPrincipal later type-asserts
// back out — no adapter struct needed between the two.
func RequireBearerToken(verifier *security.TokenVerifier) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey: contextKeyPrincipal,
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			return verifier.Verify(auth)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid bearer token")
		},
	})
}

// ProjectLookup is the slice of db.Store the ownership middleware depends
// on, exposed as an interface so it is testable against a fake. *db.Store
// satisfies this without any adapter.
type ProjectLookup interface {
	GetProject(id string) (*db.Project, error)
}

// RequireProjectOwnership returns middleware that loads the project named
// by the route's "id" param and rejects with 404 if it doesn't exist or
// 403 if the authenticated caller isn't its owner. Handlers that run after
// this middleware can assume the project exists and belongs to the caller.
func RequireProjectOwnership(store ProjectLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal, ok := GetPrincipal(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}

			projectID := c.Param("id")
			project, err := store.GetProject(projectID)
			if err != nil {
				return echo.NewHTTPError(http.StatusNotFound, "project not found")
			}
			if project.OwnerID != principal.Subject {
				return echo.NewHTTPError(http.StatusForbidden, "caller does not own this project")
			}

			c.Set("project", project)
			return next(c)
		}
	}
}
