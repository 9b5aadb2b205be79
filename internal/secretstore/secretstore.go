// Package secretstore implements the process-wide Repository Secrets Store
// (§4.7): an envelope-encrypted per-repository KV with reserved-name
// enforcement, size and count quotas, and batched upserts.
package secretstore

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/crypto"
)

// repoSecretRow is the GORM model backing the repo_secrets table (§6
// persisted state layout).
type repoSecretRow struct {
	RepoID         string `gorm:"primaryKey;column:repo_id"`
	Key            string `gorm:"primaryKey;column:key"`
	RepoOwner      string `gorm:"column:repo_owner;index:idx_repo_owner_name"`
	RepoName       string `gorm:"column:repo_name;index:idx_repo_owner_name"`
	EncryptedValue string `gorm:"column:encrypted_value"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (repoSecretRow) TableName() string { return "repo_secrets" }

// Store is the process-wide repository secrets store.
type Store struct {
	db  *gorm.DB
	enc *crypto.Encryptor
	cfg *config.Config
}

// Open connects to the process-wide Postgres database and migrates the
// repo_secrets table.
func Open(cfg *config.Config, enc *crypto.Encryptor) (*Store, error) {
	slowLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{Logger: slowLogger})
	if err != nil {
		return nil, fmt.Errorf("connect repo secrets database: %w", err)
	}
	if err := db.AutoMigrate(&repoSecretRow{}); err != nil {
		return nil, fmt.Errorf("migrate repo secrets schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)

	return &Store{db: db, enc: enc, cfg: cfg}, nil
}

// OpenWithDB wraps an already-open database connection, migrating the
// repo_secrets table into it. Used to back the store with an in-memory
// database in tests instead of a live Postgres connection.
func OpenWithDB(db *gorm.DB, enc *crypto.Encryptor) (*Store, error) {
	if err := db.AutoMigrate(&repoSecretRow{}); err != nil {
		return nil, fmt.Errorf("migrate repo secrets schema: %w", err)
	}
	return &Store{db: db, enc: enc}, nil
}

// keyPattern matches the key-naming rule in §4.7.
var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedKeys are operational variables and provider API-key names that
// may never be set through this store (§4.7, §8 reserved-keys invariant).
var reservedKeys = map[string]bool{
	"CONTROL_PLANE_URL":    true,
	"SANDBOX_AUTH_TOKEN":   true,
	"SANDBOX_ID":           true,
	"SESSION_ID":           true,
	"ANTHROPIC_API_KEY":    true,
	"OPENAI_API_KEY":       true,
	"GITHUB_TOKEN":         true,
	"GITHUB_APP_ID":        true,
	"GITHUB_APP_PRIVATE_KEY": true,
	"INTERNAL_CALLBACK_SECRET": true,
}

// ValidationError is a §7 "Validation" kind error returned by setSecrets.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return e.Reason }

// Secret is a single key/value pair accepted by SetSecrets.
type Secret struct {
	Key   string
	Value string
}

// SecretMeta is key metadata only, returned by List.
type SecretMeta struct {
	Key       string
	UpdatedAt time.Time
}

// normalizeKey upper-cases a key per §4.7 ("normalized to upper-case on
// write").
func normalizeKey(key string) string {
	return strings.ToUpper(key)
}

func validateKey(key string) error {
	if len(key) == 0 || len(key) > 256 {
		return &ValidationError{Reason: fmt.Sprintf("key %q must be 1-256 characters", key)}
	}
	if !keyPattern.MatchString(key) {
		return &ValidationError{Reason: fmt.Sprintf("key %q must match [A-Za-z_][A-Za-z0-9_]*", key)}
	}
	if reservedKeys[normalizeKey(key)] {
		return &ValidationError{Reason: fmt.Sprintf("key %q is reserved", key)}
	}
	return nil
}

// SetSecrets validates and upserts a batch of secrets for a repository,
// enforcing the keyspace/value/quota rules of §4.7 and the count/size
// invariants of §8.
func (s *Store) SetSecrets(repoID, repoOwner, repoName string, secrets []Secret, cfg *config.Config) error {
	normalized := make(map[string]string, len(secrets))
	for _, sec := range secrets {
		if err := validateKey(sec.Key); err != nil {
			return err
		}
		if len(sec.Value) > cfg.SecretMaxValueBytes {
			return &ValidationError{Reason: fmt.Sprintf("value for key %q exceeds %d bytes", sec.Key, cfg.SecretMaxValueBytes)}
		}
		normalized[normalizeKey(sec.Key)] = sec.Value
	}

	existing, err := s.listRows(repoID)
	if err != nil {
		return err
	}
	existingByKey := make(map[string]repoSecretRow, len(existing))
	for _, row := range existing {
		existingByKey[row.Key] = row
	}

	finalCount := len(existingByKey)
	var totalBytes int
	for key, row := range existingByKey {
		if _, touched := normalized[key]; touched {
			continue // superseded by the new value counted below
		}
		plaintext, err := s.enc.DecryptString(row.EncryptedValue)
		if err != nil {
			return fmt.Errorf("decrypt existing secret %q: %w", key, err)
		}
		totalBytes += len(plaintext)
	}
	for key, value := range normalized {
		if _, exists := existingByKey[key]; !exists {
			finalCount++
		}
		totalBytes += len(value)
	}
	if finalCount > cfg.SecretMaxCount {
		return &ValidationError{Reason: fmt.Sprintf("exceeds %d secrets limit", cfg.SecretMaxCount)}
	}
	if totalBytes > cfg.SecretMaxTotalBytes {
		return &ValidationError{Reason: fmt.Sprintf("aggregate secret size exceeds %d bytes", cfg.SecretMaxTotalBytes)}
	}

	now := time.Now()
	for key, value := range normalized {
		ciphertext, err := s.enc.EncryptString(value)
		if err != nil {
			return fmt.Errorf("encrypt secret %q: %w", key, err)
		}
		row := repoSecretRow{
			RepoID: repoID, Key: key, RepoOwner: repoOwner, RepoName: repoName,
			EncryptedValue: ciphertext, CreatedAt: now, UpdatedAt: now,
		}
		err = s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repo_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"encrypted_value", "repo_owner", "repo_name", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("upsert secret %q: %w", key, err)
		}
	}
	return nil
}

func (s *Store) listRows(repoID string) ([]repoSecretRow, error) {
	var rows []repoSecretRow
	if err := s.db.Where("repo_id = ?", repoID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// List returns key metadata only, without decrypting values (§4.7 reads).
func (s *Store) List(repoID string) ([]SecretMeta, error) {
	rows, err := s.listRows(repoID)
	if err != nil {
		return nil, err
	}
	out := make([]SecretMeta, 0, len(rows))
	for _, row := range rows {
		out = append(out, SecretMeta{Key: row.Key, UpdatedAt: row.UpdatedAt})
	}
	return out, nil
}

// DecryptAll decrypts every secret for a repository, for materializing
// secrets into a sandbox session. A decryption failure surfaces a terminal
// error naming the offending key (§4.7).
func (s *Store) DecryptAll(repoID string) (map[string]string, error) {
	rows, err := s.listRows(repoID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		value, err := s.enc.DecryptString(row.EncryptedValue)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %q: %w", row.Key, err)
		}
		out[row.Key] = value
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
