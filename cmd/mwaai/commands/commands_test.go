package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/mwaai/pkg/mwaai/copilot"
	"github.com/jholhewres/mwaai/pkg/mwaai/database"
	"github.com/zalando/go-keyring"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

func TestMask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "****"},
		{"sk-1234567890", "****7890"},
		{"${OPENAI_API_KEY}", "${OPENAI_API_KEY}"},
	}
	for _, tt := range tests {
		if got := mask(tt.in); got != tt.want {
			t.Errorf("mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOneLine(t *testing.T) {
	t.Parallel()

	if got := oneLine("call\n  mom"); got != "call mom" {
		t.Errorf("oneLine = %q", got)
	}
	long := strings.Repeat("x", 100)
	if got := oneLine(long); len(got) != 60 || !strings.HasSuffix(got, "...") {
		t.Errorf("oneLine(long) = %q", got)
	}
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")

	root := NewRootCmd("test")
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"config", "init", "--defaults", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	root = NewRootCmd("test")
	root.SetArgs([]string{"config", "init", "--defaults", path})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error when the file exists")
	}
}

func TestTimezoneSet_RejectsBadOffset(t *testing.T) {
	t.Parallel()

	root := NewRootCmd("test")
	root.SetArgs([]string{"timezone", "set", "555", "UTC+20"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for out-of-range offset")
	}
}

func TestConfigSetKey(t *testing.T) {
	out := &bytes.Buffer{}
	root := NewRootCmd("test")
	root.SetOut(out)
	root.SetIn(strings.NewReader("wa-token-123\n"))
	root.SetArgs([]string{"config", "set-key", copilot.SecretWhatsAppToken})
	if err := root.Execute(); err != nil {
		t.Fatalf("set-key from stdin: %v", err)
	}
	if got := copilot.GetKeyring(copilot.SecretWhatsAppToken); got != "wa-token-123" {
		t.Errorf("keyring value = %q", got)
	}

	root = NewRootCmd("test")
	root.SetOut(out)
	root.SetArgs([]string{"config", "set-key", copilot.SecretWhatsAppToken, "--delete"})
	if err := root.Execute(); err != nil {
		t.Fatalf("set-key --delete: %v", err)
	}
	if got := copilot.GetKeyring(copilot.SecretWhatsAppToken); got != "" {
		t.Errorf("keyring value after delete = %q", got)
	}

	root = NewRootCmd("test")
	root.SetArgs([]string{"config", "set-key", "ssh_key", "x"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for an unknown secret name")
	}
}

func TestInitAnswers_Apply(t *testing.T) {
	tests := []struct {
		name        string
		answers     initAnswers
		wantStorage string
		wantDB      database.BackendType
		wantIDs     int
		wantErr     bool
	}{
		{"files", initAnswers{Storage: storageChoiceFile}, copilot.StorageFile, database.BackendSQLite, 0, false},
		{"postgres with number", initAnswers{Storage: storageChoicePostgres, PhoneNumberID: " 1234 "}, copilot.StorageDatabase, database.BackendPostgreSQL, 1, false},
		{"sqlite with key", initAnswers{Storage: storageChoiceSQLite, APIKey: "sk-form"}, copilot.StorageDatabase, database.BackendSQLite, 0, false},
		{"unknown storage", initAnswers{Storage: "s3"}, "", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := copilot.DefaultConfig()
			err := tt.answers.apply(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if cfg.Storage.Backend != tt.wantStorage || cfg.Database.Backend != tt.wantDB {
				t.Errorf("storage = %q/%q, want %q/%q", cfg.Storage.Backend, cfg.Database.Backend, tt.wantStorage, tt.wantDB)
			}
			if len(cfg.Channels.CloudAPI.PhoneNumberIDs) != tt.wantIDs {
				t.Errorf("phone number ids = %v", cfg.Channels.CloudAPI.PhoneNumberIDs)
			}
			if tt.wantIDs == 1 && cfg.Channels.CloudAPI.PhoneNumberIDs[0] != "1234" {
				t.Errorf("phone number id = %q", cfg.Channels.CloudAPI.PhoneNumberIDs[0])
			}
			if tt.answers.APIKey != "" {
				if got := copilot.GetKeyring(copilot.SecretAPIKey); got != tt.answers.APIKey {
					t.Errorf("keyring api key = %q", got)
				}
				copilot.DeleteKeyring(copilot.SecretAPIKey)
			}
		})
	}
}
