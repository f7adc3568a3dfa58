// Package auth defines the bearer-token auth adapter contract: extract
// and validate a token, yield an authenticated user id that becomes the
// owner of any session created in the same request.
//
// Concrete providers are registered the way reva's component drivers
// register themselves (pkg/user/manager/registry.Register, mirrored here
// as auth.Register), so the server picks a provider by the config-file
// auth-type string without a compiled-in switch statement.
package auth

import (
	"context"
	"fmt"

	"github.com/mobile-measure/collector/pkg/errtypes"
)

// User is what a successful Authenticate call yields.
type User struct {
	UserID        string
	TokenSubject  string
}

// Provider validates the raw `Authorization` header value and resolves it
// to a User.
type Provider interface {
	Authenticate(ctx context.Context, authorizationHeader string) (User, error)
}

// Factory builds a Provider from its mapstructure-decodable config tree,
// mirroring reva driver constructors' `func New(m map[string]interface{})`.
type Factory func(m map[string]interface{}) (Provider, error)

var registry = map[string]Factory{}

// Register adds a Provider factory under name, to be looked up by the
// config file's auth-type value. Panics on duplicate registration, the
// same fail-fast reva's registries use for programmer error at init time.
func Register(name string, f Factory) {
	if _, exists := registry[name]; exists {
		panic("auth: factory already registered: " + name)
	}
	registry[name] = f
}

// New builds the Provider registered under name.
func New(name string, m map[string]interface{}) (Provider, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("auth: no provider registered under %q", name)
	}
	return f(m)
}

// ExtractBearerToken pulls the token out of an `Authorization: Bearer
// <token>` header value; used by every provider so the "Bearer " prefix
// check lives in one place.
func ExtractBearerToken(authorizationHeader string) (string, error) {
	const prefix = "Bearer "
	if len(authorizationHeader) <= len(prefix) || authorizationHeader[:len(prefix)] != prefix {
		return "", errtypes.Unauthorized("missing or malformed Authorization header")
	}
	token := authorizationHeader[len(prefix):]
	if token == "" {
		return "", errtypes.Unauthorized("empty bearer token")
	}
	return token, nil
}
