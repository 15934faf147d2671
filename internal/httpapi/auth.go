package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"pkt.systems/feedgate/api"
	"pkt.systems/feedgate/internal/shape"
)

// ErrUnauthenticated is returned by authorizers that cannot identify the
// caller.
var ErrUnauthenticated = errors.New("httpapi: unauthenticated")

// Authorizer resolves the tenant a request acts for.
type Authorizer interface {
	Authorize(r *http.Request) (shape.Tenant, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) (shape.Tenant, error)

// Authorize calls f(r).
func (f AuthorizerFunc) Authorize(r *http.Request) (shape.Tenant, error) { return f(r) }

// HeaderAuthorizer trusts the tenant headers set by the fronting proxy.
type HeaderAuthorizer struct{}

// Authorize reads the environment and organization headers.
func (HeaderAuthorizer) Authorize(r *http.Request) (shape.Tenant, error) {
	env := strings.TrimSpace(r.Header.Get(api.HeaderEnvironment))
	if env == "" {
		return shape.Tenant{}, ErrUnauthenticated
	}
	return shape.Tenant{
		EnvironmentID:  env,
		OrganizationID: strings.TrimSpace(r.Header.Get(api.HeaderOrganization)),
	}, nil
}
