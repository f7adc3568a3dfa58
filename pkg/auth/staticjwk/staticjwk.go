// Package staticjwk implements an auth provider that verifies bearer
// tokens against a fixed set of JSON Web Keys, intended for
// back-end/service-to-service integrations that do not go through the
// interactive OIDC flow.
//
// Grounded on reva's github.com/golang-jwt/jwt dependency (go.mod).
package staticjwk

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/mobile-measure/collector/pkg/auth"
	"github.com/mobile-measure/collector/pkg/errtypes"
)

// conf holds the provider's settings. It carries no key material; keys
// are added with RegisterKey.
type conf struct {
	// SubjectClaim names the JWT claim that becomes the authenticated
	// user id; defaults to "sub".
	SubjectClaim string `mapstructure:"subject-claim"`
}

type provider struct {
	c      conf
	keys   map[string]*rsa.PublicKey // keyed by JWK "kid"
}

func init() {
	auth.Register("static-jwk", New)
}

// New decodes conf. Key material is injected separately via
// RegisterKey, since the config document does not carry raw key bytes;
// a deployment wires them in from its own secret store before the
// server starts accepting requests.
func New(m map[string]interface{}) (auth.Provider, error) {
	c := conf{SubjectClaim: "sub"}
	if err := mapstructure.Decode(m, &c); err != nil {
		return nil, errors.Wrap(err, "static-jwk: error decoding conf")
	}
	return &provider{c: c, keys: map[string]*rsa.PublicKey{}}, nil
}

// RegisterKey adds a verification key under kid, the JWK "key id" JWTs
// carry in their header to select which key signed them.
func (p *provider) RegisterKey(kid string, key *rsa.PublicKey) {
	p.keys[kid] = key
}

// Authenticate parses and verifies the bearer token as a JWT signed by one
// of the registered keys, resolving the configured subject claim.
func (p *provider) Authenticate(ctx context.Context, authorizationHeader string) (auth.User, error) {
	raw, err := auth.ExtractBearerToken(authorizationHeader)
	if err != nil {
		return auth.User{}, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := p.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	})
	if err != nil {
		return auth.User{}, errtypes.Unauthorized("token verification failed: " + err.Error())
	}

	sub, _ := claims[p.c.SubjectClaim].(string)
	if sub == "" {
		return auth.User{}, errtypes.Unauthorized("token missing subject claim")
	}

	return auth.User{UserID: sub, TokenSubject: sub}, nil
}
