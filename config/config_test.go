package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProps(t *testing.T, dir string, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "davmail.properties")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ClientSoTimeout != 300*time.Second {
		t.Fatalf("ClientSoTimeout = %v, want 300s default", s.ClientSoTimeout)
	}
	if s.AllowRemote {
		t.Fatal("AllowRemote should default to false")
	}
}

func TestLoadFromPropertiesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeProps(t, dir, "davmail.bindAddress=127.0.0.1\ndavmail.allowRemote=true\ndavmail.clientSoTimeout=60\n")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.BindAddress != "127.0.0.1" {
		t.Fatalf("BindAddress = %q", s.BindAddress)
	}
	if !s.AllowRemote {
		t.Fatal("AllowRemote = false, want true")
	}
	if s.ClientSoTimeout != 60*time.Second {
		t.Fatalf("ClientSoTimeout = %v, want 60s", s.ClientSoTimeout)
	}
}

func TestEnvOverridesPropertiesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeProps(t, dir, "davmail.bindAddress=127.0.0.1\n")

	t.Setenv("DAVMAIL_BINDADDRESS", "0.0.0.0")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.BindAddress != "0.0.0.0" {
		t.Fatalf("BindAddress = %q, want env override 0.0.0.0", s.BindAddress)
	}
}

func TestInvalidBoolIsValidationError(t *testing.T) {
	dir := t.TempDir()
	path := writeProps(t, dir, "davmail.allowRemote=not-a-bool\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if _, ok := err.(ValidationError); !ok {
		t.Fatalf("error type = %T, want ValidationError", err)
	}
}
