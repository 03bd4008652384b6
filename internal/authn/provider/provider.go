// Package provider holds the built-in identity providers. The password
// provider verifies usernames against bcrypt hashes fixed in configuration;
// it exists for small deployments and tests, not as a user database.
package provider

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/trellisdata/trellis/internal/authn"
)

// fallbackHash is compared against when the username is unknown, so missing
// users cost the same bcrypt work as wrong passwords.
var fallbackHash, _ = bcrypt.GenerateFromPassword([]byte("fallback"), bcrypt.DefaultCost)

// Password authenticates against an in-memory map of bcrypt hashes.
type Password struct {
	users map[string]string
}

// NewPassword builds a provider from username → bcrypt hash pairs.
func NewPassword(users map[string]string) *Password {
	copied := make(map[string]string, len(users))
	for username, hash := range users {
		copied[username] = hash
	}
	return &Password{users: copied}
}

// Authenticate verifies the password and returns the username as the
// external identity id. Unknown users and wrong passwords are reported
// identically.
func (p *Password) Authenticate(ctx context.Context, username, password string) (string, error) {
	hash, ok := p.users[username]
	if !ok {
		bcrypt.CompareHashAndPassword(fallbackHash, []byte(password))
		return "", authn.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", authn.ErrInvalidCredentials
	}
	return username, nil
}

// HashPassword produces a bcrypt hash suitable for the provider's
// configuration file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
