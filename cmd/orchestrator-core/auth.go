package main

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/jordigilh/kubernaut/pkg/api"
	"github.com/jordigilh/kubernaut/pkg/api/permission"
)

// errNoBearerToken is returned when a request carries no recognizable
// Authorization header.
var errNoBearerToken = errors.New("missing bearer token")

// errTokenNotRecognized is returned when the presented token matches
// nothing in the configured token set.
var errTokenNotRecognized = errors.New("token not recognized")

// envTokenAuthenticator is a minimal api.Authenticator backed by a single
// static bearer token read from ORCHESTRATOR_API_TOKEN, granted every
// scope. Real token issuance and verification (OIDC, mTLS, per-principal
// scopes) is explicitly out of scope (spec.md §6); deployments that need
// it front this service with their own auth proxy and supply a different
// api.Authenticator here.
type envTokenAuthenticator struct {
	token string
}

func newEnvTokenAuthenticator() *envTokenAuthenticator {
	return &envTokenAuthenticator{token: os.Getenv("ORCHESTRATOR_API_TOKEN")}
}

func (a *envTokenAuthenticator) Authenticate(r *http.Request) (api.Principal, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return api.Principal{}, errNoBearerToken
	}
	presented := strings.TrimPrefix(header, prefix)

	if a.token == "" || presented != a.token {
		return api.Principal{}, errTokenNotRecognized
	}
	return api.Principal{ID: "orchestrator-api-token", Scopes: permission.NewSet([]string{string(permission.Wildcard)})}, nil
}
