package remote

import (
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// Authenticator provides credentials for OCI registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry. An empty
	// username means anonymous access.
	Authenticate(registry string) (username, password string, err error)
}

// StaticAuthenticator returns fixed credentials for every registry.
type StaticAuthenticator struct {
	Username string
	Password string
}

func (a StaticAuthenticator) Authenticate(string) (string, string, error) {
	return a.Username, a.Password, nil
}

// KeychainAuthenticator resolves credentials from a keychain, by default
// the Docker config and credential helpers.
type KeychainAuthenticator struct {
	Keychain authn.Keychain
}

// NewDefaultAuthenticator creates an authenticator backed by
// authn.DefaultKeychain.
func NewDefaultAuthenticator() *KeychainAuthenticator {
	return &KeychainAuthenticator{Keychain: authn.DefaultKeychain}
}

// Authenticate returns credentials from the keychain.
func (a *KeychainAuthenticator) Authenticate(registry string) (string, string, error) {
	reg, err := name.NewRegistry(registry)
	if err != nil {
		return "", "", err
	}
	auth, err := a.Keychain.Resolve(reg)
	if err != nil {
		return "", "", err
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return "", "", err
	}
	return cfg.Username, cfg.Password, nil
}
