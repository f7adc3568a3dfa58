// Package oidc implements the OIDC/OAuth2 auth provider
// with provider discovery, grounded on reva's own go-oidc + x/oauth2
// dependencies (go.mod: github.com/coreos/go-oidc, golang.org/x/oauth2).
package oidc

import (
	"context"

	gooidc "github.com/coreos/go-oidc"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/mobile-measure/collector/pkg/auth"
	"github.com/mobile-measure/collector/pkg/errtypes"
)

func init() {
	auth.Register("oauth", New)
}

// conf mirrors oauth.{callback,client,secret,site,tenant}.
type conf struct {
	Callback string `mapstructure:"callback"`
	Client   string `mapstructure:"client"`
	Secret   string `mapstructure:"secret"`
	Site     string `mapstructure:"site"`
	Tenant   string `mapstructure:"tenant"`
}

type provider struct {
	c        conf
	verifier *gooidc.IDTokenVerifier
	oauth2   oauth2.Config
}

// New builds the OIDC provider, performing issuer discovery against
// c.Site (the pattern of gooidc.NewProvider, used the way reva's own
// IdP-backed components discover endpoints at construction time).
func New(m map[string]interface{}) (auth.Provider, error) {
	var c conf
	if err := mapstructure.Decode(m, &c); err != nil {
		return nil, errors.Wrap(err, "oidc: error decoding conf")
	}

	issuer, err := gooidc.NewProvider(context.Background(), c.Site)
	if err != nil {
		return nil, errors.Wrap(err, "oidc: error discovering provider")
	}

	return &provider{
		c:        c,
		verifier: issuer.Verifier(&gooidc.Config{ClientID: c.Client}),
		oauth2: oauth2.Config{
			ClientID:     c.Client,
			ClientSecret: c.Secret,
			RedirectURL:  c.Callback,
			Endpoint:     issuer.Endpoint(),
		},
	}, nil
}

// Authenticate verifies the bearer token as an OIDC ID token and resolves
// its subject claim to a User.
func (p *provider) Authenticate(ctx context.Context, authorizationHeader string) (auth.User, error) {
	token, err := auth.ExtractBearerToken(authorizationHeader)
	if err != nil {
		return auth.User{}, err
	}

	idToken, err := p.verifier.Verify(ctx, token)
	if err != nil {
		return auth.User{}, errtypes.Unauthorized("token verification failed: " + err.Error())
	}

	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return auth.User{}, errtypes.Unauthorized("could not parse token claims")
	}
	if claims.Subject == "" {
		return auth.User{}, errtypes.Unauthorized("token missing subject claim")
	}

	return auth.User{UserID: claims.Subject, TokenSubject: claims.Subject}, nil
}
