// Package mocked implements the test/dev auth provider:
// accepts any syntactically-valid bearer token and derives a stable user
// id from it, without contacting an identity provider.
package mocked

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/mobile-measure/collector/pkg/auth"
)

func init() {
	auth.Register("mocked", New)
}

type provider struct{}

// New builds the mocked provider. It takes no configuration.
func New(m map[string]interface{}) (auth.Provider, error) {
	return provider{}, nil
}

// Authenticate accepts any non-empty bearer token, deriving a stable
// owner id from its hash so repeated requests with the same token act as
// the same user.
func (provider) Authenticate(ctx context.Context, authorizationHeader string) (auth.User, error) {
	token, err := auth.ExtractBearerToken(authorizationHeader)
	if err != nil {
		return auth.User{}, err
	}
	sum := sha256.Sum256([]byte(token))
	return auth.User{UserID: hex.EncodeToString(sum[:8]), TokenSubject: token}, nil
}
