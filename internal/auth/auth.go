// Package auth implements the Authenticator capability consumed by both
// the SOCKS5 and HTTP proxy handlers: a two-method interface (Required,
// Verify) plus a file-backed implementation loaded once at startup from
// the server's TOML configuration.
package auth

import (
	"context"
	"fmt"

	"dualproxy/internal/config"
)

// Authenticator is the capability the core handlers rely on. Verify must
// be safe to call from many goroutines concurrently and must not perform
// synchronous file I/O on the hot path — any backing store is loaded once
// at construction time.
type Authenticator interface {
	// Required reports whether clients must authenticate.
	Required() bool
	// Verify reports whether username/password is a valid credential
	// pair. Any error condition (unknown user, bad hash, disabled
	// account) returns false rather than an error.
	Verify(ctx context.Context, username, password string) bool
}

// NoAuth is the zero-configuration Authenticator: authentication is never
// required and Verify always fails (it should never be called).
type NoAuth struct{}

func (NoAuth) Required() bool { return false }

func (NoAuth) Verify(context.Context, string, string) bool { return false }

// FileAuthenticator verifies credentials against a set of users loaded
// from configuration. The credential table is built once at construction
// time; Verify only does map lookups and an in-memory argon2 derivation,
// never disk I/O.
type FileAuthenticator struct {
	required bool
	users    map[string]string // username -> encoded argon2id hash
}

// NewFileAuthenticator builds an Authenticator from a loaded config. It
// never touches disk itself; config.Load has already read the file.
// Every configured password_hash must be a well-formed argon2id encoded
// string; a malformed entry aborts construction so a typo in the config
// fails startup rather than silently locking a user out at connect time.
func NewFileAuthenticator(cfg *config.Config) (*FileAuthenticator, error) {
	users := make(map[string]string, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		if err := ValidateHashFormat(u.PasswordHash); err != nil {
			return nil, fmt.Errorf("auth.users: user %q: %w", u.Username, err)
		}
		users[u.Username] = u.PasswordHash
	}
	return &FileAuthenticator{
		required: cfg.Auth.Required,
		users:    users,
	}, nil
}

func (f *FileAuthenticator) Required() bool { return f.required }

// Verify returns true only on an exact username match whose argon2id hash
// verifies against password. Unknown usernames and malformed hashes both
// return false; no error is ever surfaced to the caller.
func (f *FileAuthenticator) Verify(_ context.Context, username, password string) bool {
	hash, ok := f.users[username]
	if !ok {
		return false
	}
	return VerifyPassword(password, hash)
}
