// Package copilot – keyring.go keeps secrets in the operating system's
// keyring (Secret Service on Linux, Keychain on macOS, Credential Manager
// on Windows).
//
// Secrets resolve in this order:
//  1. an explicit value in config.yaml (after ${VAR} expansion)
//  2. the OS keyring
//  3. environment variables and .env files
package copilot

import (
	"errors"
	"fmt"
	"slices"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "mwaai"

// Secret names stored in the keyring.
const (
	SecretAPIKey        = "api_key"
	SecretWhatsAppToken = "whatsapp_token"
	SecretVerifyToken   = "whatsapp_verify_token"
	SecretDBPassword    = "db_password"
)

// KeyringSecrets lists the names accepted by StoreKeyring.
var KeyringSecrets = []string{SecretAPIKey, SecretWhatsAppToken, SecretVerifyToken, SecretDBPassword}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(name, value string) error {
	if !slices.Contains(KeyringSecrets, name) {
		return fmt.Errorf("unknown secret %q (known: %v)", name, KeyringSecrets)
	}
	if value == "" {
		return errors.New("secret value is empty")
	}
	return keyring.Set(keyringService, name, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when it is
// absent or the keyring is unavailable.
func GetKeyring(name string) string {
	val, err := keyring.Get(keyringService, name)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret. Removing an absent secret is not an error.
func DeleteKeyring(name string) error {
	if err := keyring.Delete(keyringService, name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// KeyringAvailable reports whether the OS keyring accepts writes.
func KeyringAvailable() bool {
	const checkKey = "__mwaai_check__"
	if err := keyring.Set(keyringService, checkKey, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, checkKey)
	return true
}
