package creds

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/config"
)

var ErrNoCredentials = errors.New("no object storage credentials available")

// KeyPair is an access/secret key pair for S3-compatible storage.
type KeyPair struct {
	AccessKey string
	SecretKey string
}

func (k KeyPair) valid() bool { return k.AccessKey != "" && k.SecretKey != "" }

// Resolve finds a key pair, in priority order:
//  1. explicit config (S3_ACCESS_KEY / S3_SECRET_KEY)
//  2. AWS environment variables
//  3. shared credentials file (~/.aws/credentials, default profile)
func Resolve(cfg config.Config) (KeyPair, error) {
	if kp := (KeyPair{cfg.Storage.AccessKey, cfg.Storage.SecretKey}); kp.valid() {
		log.Debug().Str("action", "creds_resolve").Str("source", "config").Msg("credentials resolved")
		return kp, nil
	}
	if kp := fromEnv(); kp.valid() {
		log.Debug().Str("action", "creds_resolve").Str("source", "env").Msg("credentials resolved")
		return kp, nil
	}
	if kp := fromSharedFile(); kp.valid() {
		log.Debug().Str("action", "creds_resolve").Str("source", "file").Msg("credentials resolved")
		return kp, nil
	}
	return KeyPair{}, ErrNoCredentials
}

func fromEnv() KeyPair {
	return KeyPair{
		AccessKey: strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")),
		SecretKey: strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")),
	}
}

// fromSharedFile reads the default profile of the AWS shared credentials file.
func fromSharedFile() KeyPair {
	path := os.Getenv("AWS_SHARED_CREDENTIALS_FILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return KeyPair{}
		}
		path = filepath.Join(home, ".aws", "credentials")
	}
	f, err := os.Open(path)
	if err != nil {
		return KeyPair{}
	}
	defer func() { _ = f.Close() }()

	var kp KeyPair
	inDefault := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") {
			inDefault = line == "[default]"
			continue
		}
		if !inDefault {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "aws_access_key_id":
			kp.AccessKey = strings.TrimSpace(v)
		case "aws_secret_access_key":
			kp.SecretKey = strings.TrimSpace(v)
		}
	}
	return kp
}

// Store holds the key pair currently bound to the workload. The
// sync-s3-credentials action replaces it at runtime.
type Store struct {
	mu sync.RWMutex
	kp KeyPair
}

// NewStore seeds a store from the resolvable credentials, if any.
func NewStore(cfg config.Config) *Store {
	s := &Store{}
	if kp, err := Resolve(cfg); err == nil {
		s.kp = kp
	}
	return s
}

// Sync replaces the stored key pair. Secrets are never logged.
func (s *Store) Sync(accessKey, secretKey string) error {
	kp := KeyPair{strings.TrimSpace(accessKey), strings.TrimSpace(secretKey)}
	if !kp.valid() {
		return errors.New("sync-s3-credentials requires both access-key and secret-key")
	}
	s.mu.Lock()
	s.kp = kp
	s.mu.Unlock()
	log.Info().Str("action", "creds_sync").Msg("credentials synced")
	return nil
}

// Current returns the stored key pair and whether one is configured.
func (s *Store) Current() (KeyPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kp, s.kp.valid()
}
