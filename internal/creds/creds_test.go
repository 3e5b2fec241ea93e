package creds

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/config"
)

func clearAWSEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "missing"))
}

func TestResolve_ConfigWins(t *testing.T) {
	clearAWSEnv(t)
	t.Setenv("AWS_ACCESS_KEY_ID", "env-access")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")

	cfg := config.Config{}
	cfg.Storage.AccessKey = "cfg-access"
	cfg.Storage.SecretKey = "cfg-secret"

	kp, err := Resolve(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if kp.AccessKey != "cfg-access" {
		t.Fatalf("config must win, got %q", kp.AccessKey)
	}
}

func TestResolve_Env(t *testing.T) {
	clearAWSEnv(t)
	t.Setenv("AWS_ACCESS_KEY_ID", "env-access")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")

	kp, err := Resolve(config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if kp.AccessKey != "env-access" || kp.SecretKey != "env-secret" {
		t.Fatalf("got %+v", kp)
	}
}

func TestResolve_SharedFile(t *testing.T) {
	clearAWSEnv(t)
	path := filepath.Join(t.TempDir(), "credentials")
	content := "[other]\naws_access_key_id = wrong\n\n[default]\naws_access_key_id = file-access\naws_secret_access_key = file-secret\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", path)

	kp, err := Resolve(config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if kp.AccessKey != "file-access" || kp.SecretKey != "file-secret" {
		t.Fatalf("got %+v", kp)
	}
}

func TestResolve_NoCredentials(t *testing.T) {
	clearAWSEnv(t)
	if _, err := Resolve(config.Config{}); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("want ErrNoCredentials, got %v", err)
	}
}

func TestStore_Sync(t *testing.T) {
	clearAWSEnv(t)
	s := NewStore(config.Config{})
	if _, ok := s.Current(); ok {
		t.Fatal("store should start empty")
	}

	if err := s.Sync("ak", ""); err == nil {
		t.Fatal("partial key pair must be rejected")
	}
	if err := s.Sync(" ak ", " sk "); err != nil {
		t.Fatal(err)
	}

	kp, ok := s.Current()
	if !ok || kp.AccessKey != "ak" || kp.SecretKey != "sk" {
		t.Fatalf("got %+v ok=%v", kp, ok)
	}
}
