package copilot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

func TestStoreKeyring(t *testing.T) {
	if err := StoreKeyring(SecretWhatsAppToken, "wa-secret"); err != nil {
		t.Fatalf("StoreKeyring: %v", err)
	}
	t.Cleanup(func() { DeleteKeyring(SecretWhatsAppToken) })

	if got := GetKeyring(SecretWhatsAppToken); got != "wa-secret" {
		t.Errorf("GetKeyring = %q", got)
	}
	if err := StoreKeyring("ssh_key", "x"); err == nil {
		t.Error("expected error for an unknown secret name")
	}
	if err := StoreKeyring(SecretAPIKey, ""); err == nil {
		t.Error("expected error for an empty value")
	}
	if err := DeleteKeyring(SecretDBPassword); err != nil {
		t.Errorf("deleting an absent secret: %v", err)
	}
	if !KeyringAvailable() {
		t.Error("in-memory keyring should be available")
	}
}

func TestResolveSecrets_KeyringBeforeEnvironment(t *testing.T) {
	t.Setenv("MWAAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("WHATSAPP_TOKEN", "wa-from-env")
	t.Setenv("WHATSAPP_VERIFY_TOKEN", "verify-from-env")

	for name, value := range map[string]string{
		SecretAPIKey:      "sk-from-keyring",
		SecretVerifyToken: "verify-from-keyring",
	} {
		if err := StoreKeyring(name, value); err != nil {
			t.Fatalf("StoreKeyring(%s): %v", name, err)
		}
		t.Cleanup(func() { DeleteKeyring(name) })
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
channels:
  cloudapi:
    token: explicit-token
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.API.APIKey != "sk-from-keyring" {
		t.Errorf("APIKey = %q, want the keyring value", cfg.API.APIKey)
	}
	if cfg.Channels.CloudAPI.VerifyToken != "verify-from-keyring" {
		t.Errorf("VerifyToken = %q, want the keyring value", cfg.Channels.CloudAPI.VerifyToken)
	}
	if cfg.Channels.CloudAPI.Token != "explicit-token" {
		t.Errorf("Token = %q, an explicit config value wins", cfg.Channels.CloudAPI.Token)
	}
}

func TestResolveSecrets_EnvironmentWhenKeyringEmpty(t *testing.T) {
	t.Setenv("MWAAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_TOKEN", "sk-token")
	t.Setenv("WHATSAPP_TOKEN", "wa-from-env")

	cfg := DefaultConfig()
	resolveSecrets(cfg)
	if cfg.API.APIKey != "sk-token" || cfg.Channels.CloudAPI.Token != "wa-from-env" {
		t.Errorf("APIKey = %q, Token = %q", cfg.API.APIKey, cfg.Channels.CloudAPI.Token)
	}
}
