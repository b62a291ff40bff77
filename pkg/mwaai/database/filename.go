package database

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SafeFileName turns a key into a single path element for the file
// stores. Keys that had to be rewritten get a short hash of the original
// appended, so "a/b" and "a_b" never share a file.
func SafeFileName(key string) string {
	trimmed := strings.TrimSpace(key)
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, strings.ReplaceAll(trimmed, "..", "_"))

	if safe == key && safe != "" {
		return safe
	}
	if safe == "" {
		safe = "_"
	}
	sum := sha256.Sum256([]byte(key))
	return safe + "-" + hex.EncodeToString(sum[:4])
}
