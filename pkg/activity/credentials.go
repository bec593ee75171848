package activity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrNoCredential is returned when no credential has been provisioned.
var ErrNoCredential = errors.New("no activity credential stored")

// Credential is the provider OAuth credential pair. Tokens are
// AES-256-GCM encrypted at rest; the struct only ever holds plaintext
// in memory.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token is expired or about to be,
// with a one-minute safety margin.
func (c Credential) Expired(now time.Time) bool {
	return !now.Add(time.Minute).Before(c.ExpiresAt)
}

// CredentialStore persists the provider credential encrypted in sqlite.
// The encryption key is derived from a master secret via HKDF-SHA256 so
// the raw secret never touches disk.
type CredentialStore struct {
	db     *sql.DB
	encKey []byte
}

// NewCredentialStore derives the encryption key and ensures the schema.
func NewCredentialStore(db *sql.DB, masterSecret string) (*CredentialStore, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret must not be empty")
	}
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("milepool-activity-credentials"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	s := &CredentialStore{db: db, encKey: key}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CredentialStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS activity_credentials (
		id TEXT PRIMARY KEY,
		ciphertext TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	_, err := s.db.Exec(query)
	return err
}

// Save encrypts and upserts the credential.
func (s *CredentialStore) Save(cred Credential) error {
	cred.UpdatedAt = time.Now().UTC()
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO activity_credentials (id, ciphertext, updated_at) VALUES ('provider', ?, ?)
		ON CONFLICT(id) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		ciphertext, cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// Load decrypts and returns the stored credential.
func (s *CredentialStore) Load() (Credential, error) {
	var ciphertext string
	err := s.db.QueryRow(`SELECT ciphertext FROM activity_credentials WHERE id = 'provider'`).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNoCredential
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return Credential{}, err
	}
	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return Credential{}, fmt.Errorf("unmarshal credential: %w", err)
	}
	return cred, nil
}

func (s *CredentialStore) encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *CredentialStore) decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return plaintext, nil
}
