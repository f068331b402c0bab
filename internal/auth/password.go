package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2 parameters. Chosen to match the defaults recommended by the
// golang.org/x/crypto/argon2 package docs for interactive login use.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 2
	argon2KeyLen  = 32
	saltLen       = 16
)

// HashPassword derives an argon2id hash of password and encodes it in the
// standard "$argon2id$v=19$m=...,t=...,p=...$salt$hash" form.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
	return encoded, nil
}

// VerifyPassword reports whether password matches the given encoded
// argon2id hash. Any malformed hash is treated as a non-match rather than
// an error, matching the Authenticator contract that Verify never panics
// or blocks on a malformed record.
func VerifyPassword(password, encoded string) bool {
	params, salt, hash, err := decodeHash(encoded)
	if err != nil {
		return false
	}

	candidate := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(candidate, hash) == 1
}

// ValidateHashFormat reports whether encoded parses as a well-formed
// argon2id hash, without checking any password against it. Used by
// config validation at startup.
func ValidateHashFormat(encoded string) error {
	_, _, _, err := decodeHash(encoded)
	return err
}

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
}

func decodeHash(encoded string) (argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return argon2Params{}, nil, nil, fmt.Errorf("auth: malformed hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return argon2Params{}, nil, nil, fmt.Errorf("auth: malformed version: %w", err)
	}
	if version != argon2.Version {
		return argon2Params{}, nil, nil, fmt.Errorf("auth: unsupported argon2 version %d", version)
	}

	var p argon2Params
	var mem, t, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &t, &threads); err != nil {
		return argon2Params{}, nil, nil, fmt.Errorf("auth: malformed params: %w", err)
	}
	if t < 1 || threads < 1 || threads > 255 {
		return argon2Params{}, nil, nil, fmt.Errorf("auth: invalid params t=%d p=%d", t, threads)
	}
	p.memory, p.time, p.threads = mem, t, uint8(threads)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return argon2Params{}, nil, nil, fmt.Errorf("auth: malformed salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return argon2Params{}, nil, nil, fmt.Errorf("auth: malformed hash digest: %w", err)
	}
	if len(hash) == 0 {
		return argon2Params{}, nil, nil, fmt.Errorf("auth: empty hash digest")
	}

	return p, salt, hash, nil
}

// GenerateSecret returns a crypto-random base64url token, used as a
// fallback auto-generated password when adding a user without specifying
// one explicitly.
func GenerateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
