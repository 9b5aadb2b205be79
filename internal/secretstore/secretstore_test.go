package secretstore

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/crypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	enc, err := crypto.NewEncryptor(make([]byte, 32))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	s, err := OpenWithDB(db, enc)
	if err != nil {
		t.Fatalf("OpenWithDB: %v", err)
	}
	return s
}

func testCfg() *config.Config {
	return &config.Config{SecretMaxCount: 10, SecretMaxValueBytes: 1024, SecretMaxTotalBytes: 8192}
}

func TestSetAndListSecrets(t *testing.T) {
	s := newTestStore(t)
	err := s.SetSecrets("repo-1", "acme", "widget", []Secret{
		{Key: "api_key", Value: "sekret"},
		{Key: "OTHER_VAR", Value: "value2"},
	}, testCfg())
	if err != nil {
		t.Fatalf("SetSecrets: %v", err)
	}

	metas, err := s.List("repo-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 secrets, got %d", len(metas))
	}
	keys := map[string]bool{}
	for _, m := range metas {
		keys[m.Key] = true
	}
	if !keys["API_KEY"] || !keys["OTHER_VAR"] {
		t.Fatalf("expected normalized upper-case keys, got %+v", metas)
	}
}

func TestSetSecretsRejectsReservedKey(t *testing.T) {
	s := newTestStore(t)
	err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "anthropic_api_key", Value: "x"}}, testCfg())
	if err == nil {
		t.Fatal("expected validation error for reserved key")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestSetSecretsRejectsMalformedKey(t *testing.T) {
	s := newTestStore(t)
	err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "has-a-dash", Value: "x"}}, testCfg())
	if err == nil {
		t.Fatal("expected validation error for malformed key")
	}
}

func TestSetSecretsRejectsOversizedValue(t *testing.T) {
	s := newTestStore(t)
	cfg := testCfg()
	cfg.SecretMaxValueBytes = 4
	err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "small", Value: "way too big"}}, cfg)
	if err == nil {
		t.Fatal("expected validation error for oversized value")
	}
}

func TestSetSecretsEnforcesCountQuota(t *testing.T) {
	s := newTestStore(t)
	cfg := testCfg()
	cfg.SecretMaxCount = 1
	err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "one", Value: "a"}, {Key: "two", Value: "b"}}, cfg)
	if err == nil {
		t.Fatal("expected validation error for exceeding secret count quota")
	}
}

func TestSetSecretsEnforcesAggregateByteQuota(t *testing.T) {
	s := newTestStore(t)
	cfg := testCfg()
	cfg.SecretMaxTotalBytes = 10
	err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "one", Value: "0123456789ABC"}}, cfg)
	if err == nil {
		t.Fatal("expected validation error for exceeding aggregate byte quota")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestSetSecretsUpdateReplacesOldSizeInQuota(t *testing.T) {
	s := newTestStore(t)
	cfg := testCfg()
	cfg.SecretMaxTotalBytes = 10

	// "short" (5 bytes) fits comfortably; an unrelated update to the same
	// key that shrinks it must not also count the stale stored size.
	if err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "key1", Value: "short"}}, cfg); err != nil {
		t.Fatalf("initial set: %v", err)
	}

	// Growing the same key just up to the limit must succeed: the quota
	// check should count only the new value, not old+new.
	if err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "key1", Value: "0123456789"}}, cfg); err != nil {
		t.Fatalf("update within quota counting only the new value: %v", err)
	}

	decrypted, err := s.DecryptAll("repo-1")
	if err != nil {
		t.Fatalf("DecryptAll: %v", err)
	}
	if decrypted["KEY1"] != "0123456789" {
		t.Fatalf("expected updated value, got %q", decrypted["KEY1"])
	}
}

func TestSetSecretsUpsertsExistingKey(t *testing.T) {
	s := newTestStore(t)
	cfg := testCfg()
	if err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "key1", Value: "v1"}}, cfg); err != nil {
		t.Fatalf("initial set: %v", err)
	}
	if err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "KEY1", Value: "v2"}}, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	metas, _ := s.List("repo-1")
	if len(metas) != 1 {
		t.Fatalf("expected upsert to not add a duplicate row, got %d rows", len(metas))
	}

	decrypted, err := s.DecryptAll("repo-1")
	if err != nil {
		t.Fatalf("DecryptAll: %v", err)
	}
	if decrypted["KEY1"] != "v2" {
		t.Fatalf("expected updated value, got %q", decrypted["KEY1"])
	}
}

func TestDecryptAllRoundTrips(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "token", Value: "super-secret-value"}}, testCfg()); err != nil {
		t.Fatalf("SetSecrets: %v", err)
	}

	decrypted, err := s.DecryptAll("repo-1")
	if err != nil {
		t.Fatalf("DecryptAll: %v", err)
	}
	if decrypted["TOKEN"] != "super-secret-value" {
		t.Fatalf("expected decrypted value, got %q", decrypted["TOKEN"])
	}
}

func TestListScopesToRepoID(t *testing.T) {
	s := newTestStore(t)
	cfg := testCfg()
	if err := s.SetSecrets("repo-1", "acme", "widget", []Secret{{Key: "a", Value: "1"}}, cfg); err != nil {
		t.Fatalf("set repo-1: %v", err)
	}
	if err := s.SetSecrets("repo-2", "acme", "other", []Secret{{Key: "b", Value: "2"}}, cfg); err != nil {
		t.Fatalf("set repo-2: %v", err)
	}

	metas, err := s.List("repo-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 || metas[0].Key != "A" {
		t.Fatalf("expected only repo-1's secret, got %+v", metas)
	}
}

func TestValidateKeyLengthBounds(t *testing.T) {
	if err := validateKey(""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := validateKey(strings.Repeat("a", 257)); err == nil {
		t.Fatal("expected error for over-long key")
	}
	if err := validateKey("VALID_KEY_1"); err != nil {
		t.Fatalf("expected valid key to pass, got %v", err)
	}
}
