package remote

import (
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
)

// Authenticator provides authentication for OCI registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry. Empty
	// credentials fall back to the docker keychain.
	Authenticate(registry string) (username, password string, err error)
}

// EnvAuthenticator reads credentials from ASSETCACHE_REGISTRY_USERNAME
// and ASSETCACHE_REGISTRY_PASSWORD. Registry restricts them to a single
// registry host when set.
type EnvAuthenticator struct {
	Registry string
}

func NewEnvAuthenticator(registry string) *EnvAuthenticator {
	return &EnvAuthenticator{Registry: registry}
}

func (a *EnvAuthenticator) Authenticate(registry string) (string, string, error) {
	if a.Registry != "" && !strings.EqualFold(a.Registry, registry) {
		return "", "", nil
	}
	return os.Getenv("ASSETCACHE_REGISTRY_USERNAME"), os.Getenv("ASSETCACHE_REGISTRY_PASSWORD"), nil
}

// keychainAuth resolves the authenticator for a registry: explicit
// credentials when auth yields any, the docker keychain otherwise.
func keychainAuth(auth Authenticator, resource authn.Resource) (authn.Authenticator, error) {
	if auth != nil {
		username, password, err := auth.Authenticate(resource.RegistryStr())
		if err == nil && username != "" {
			return &authn.Basic{Username: username, Password: password}, nil
		}
	}
	return authn.DefaultKeychain.Resolve(resource)
}
