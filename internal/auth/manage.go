package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"dualproxy/internal/config"
)

// AddUser adds a new user to the config file, hashing password (or an
// auto-generated secret if password is empty) with argon2id.
func AddUser(configPath, username, password string) (secret string, err error) {
	cfg, loadErr := config.Load(configPath)
	if loadErr != nil {
		if !errors.Is(loadErr, fs.ErrNotExist) {
			return "", loadErr
		}
		if err := config.WriteDefault(configPath); err != nil {
			return "", fmt.Errorf("create default config: %w", err)
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return "", fmt.Errorf("load newly created config: %w", err)
		}
	}

	for _, u := range cfg.Auth.Users {
		if u.Username == username {
			return "", fmt.Errorf("user %q already exists", username)
		}
	}

	generated := password == ""
	if generated {
		password, err = GenerateSecret()
		if err != nil {
			return "", fmt.Errorf("generate secret: %w", err)
		}
	}

	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	cfg.Auth.Users = append(cfg.Auth.Users, config.UserEntry{
		Username:     username,
		PasswordHash: hash,
	})

	if err := writeConfig(configPath, cfg); err != nil {
		return "", err
	}

	if generated {
		return password, nil
	}
	return "", nil
}

// RemoveUser removes a user from the config file.
func RemoveUser(configPath, username string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	found := false
	remaining := make([]config.UserEntry, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		if u.Username == username {
			found = true
			continue
		}
		remaining = append(remaining, u)
	}
	if !found {
		return fmt.Errorf("user %q not found", username)
	}

	cfg.Auth.Users = remaining
	return writeConfig(configPath, cfg)
}

// ListUsers returns a formatted user listing.
func ListUsers(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}

	if len(cfg.Auth.Users) == 0 {
		return "No users configured.\nUse 'proxyd auth add-user <name>' to add one.\n", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Users (%d), auth required=%v:\n", len(cfg.Auth.Users), cfg.Auth.Required)
	for _, u := range cfg.Auth.Users {
		fmt.Fprintf(&sb, "  %s\n", u.Username)
	}
	return sb.String(), nil
}

func writeConfig(path string, cfg *config.Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}
