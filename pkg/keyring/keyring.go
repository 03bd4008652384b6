package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for the file keyring master key.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	masterKeyLen = 32
)

// FileKeyring implements a file-based keyring for headless servers
type FileKeyring struct {
	keyringPath    string
	masterPassword string
}

// KeyringEntry represents a stored keyring entry
type KeyringEntry struct {
	Service string `json:"service"`
	User    string `json:"user"`
	Data    string `json:"data"` // encrypted data
}

// keyringFile is the on-disk layout: a per-file scrypt salt plus entries.
type keyringFile struct {
	Salt    string                  `json:"salt"`
	Entries map[string]KeyringEntry `json:"entries"`
}

// KeyringManager provides a unified interface for keyring operations
type KeyringManager struct {
	fileKeyring *FileKeyring
	useFile     bool
}

// NewKeyringManager creates a new keyring manager that tries system keyring first, falls back to file
func NewKeyringManager(keyringPath, masterPassword string) *KeyringManager {
	// Test if system keyring is available with timeout
	testService := "trellis-test"
	testKey := "test-key"
	testValue := "test-value"

	// Try system keyring first with a timeout to prevent hanging
	done := make(chan error, 1)
	go func() {
		err := keyring.Set(testService, testKey, testValue)
		if err == nil {
			// Clean up test entry
			keyring.Delete(testService, testKey)
		}
		done <- err
	}()

	// Wait for the keyring test with a 5-second timeout
	select {
	case err := <-done:
		if err == nil {
			// System keyring is available
			return &KeyringManager{useFile: false}
		}
		// System keyring failed, fall through to file-based keyring
	case <-time.After(5 * time.Second):
		// Timeout occurred, fall back to file-based keyring
	}

	// Fall back to file-based keyring
	fk := NewFileKeyring(keyringPath, masterPassword)
	return &KeyringManager{
		fileKeyring: fk,
		useFile:     true,
	}
}

// NewFileKeyring creates a new file-based keyring
func NewFileKeyring(keyringPath, masterPassword string) *FileKeyring {
	// Create keyring directory if it doesn't exist
	os.MkdirAll(filepath.Dir(keyringPath), 0700)

	return &FileKeyring{
		keyringPath:    keyringPath,
		masterPassword: masterPassword,
	}
}

// Set stores a value in the keyring (system or file)
func (km *KeyringManager) Set(service, user, password string) error {
	if !km.useFile {
		return keyring.Set(service, user, password)
	}
	return km.fileKeyring.Set(service, user, password)
}

// Get retrieves a value from the keyring (system or file)
func (km *KeyringManager) Get(service, user string) (string, error) {
	if !km.useFile {
		return keyring.Get(service, user)
	}
	return km.fileKeyring.Get(service, user)
}

// Delete removes a value from the keyring (system or file)
func (km *KeyringManager) Delete(service, user string) error {
	if !km.useFile {
		return keyring.Delete(service, user)
	}
	return km.fileKeyring.Delete(service, user)
}

// GetOrCreateSecret returns the stored secret for (service, user), minting
// and persisting a new 32-byte random hex secret when none exists. Used to
// bootstrap the JWT signing key on first start.
func (km *KeyringManager) GetOrCreateSecret(service, user string) (string, error) {
	if secret, err := km.Get(service, user); err == nil && secret != "" {
		return secret, nil
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	if err := km.Set(service, user, secret); err != nil {
		return "", fmt.Errorf("failed to store secret: %w", err)
	}
	return secret, nil
}

// deriveKey runs scrypt over the master password with the stored salt.
func (fk *FileKeyring) deriveKey(salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(fk.masterPassword), salt, scryptN, scryptR, scryptP, masterKeyLen)
}

// load reads the keyring file, creating the salt on first use.
func (fk *FileKeyring) load() (*keyringFile, error) {
	data, err := os.ReadFile(fk.keyringPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		salt := make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, err
		}
		return &keyringFile{
			Salt:    base64.StdEncoding.EncodeToString(salt),
			Entries: make(map[string]KeyringEntry),
		}, nil
	}

	var file keyringFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Entries == nil {
		file.Entries = make(map[string]KeyringEntry)
	}
	return &file, nil
}

func (fk *FileKeyring) save(file *keyringFile) error {
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	return os.WriteFile(fk.keyringPath, data, 0600)
}

// encrypt encrypts plaintext using AES-GCM
func (fk *FileKeyring) encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts ciphertext using AES-GCM
func (fk *FileKeyring) decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce := data[:nonceSize]
	ciphertextBytes := data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// Set stores an entry in the file keyring
func (fk *FileKeyring) Set(service, user, password string) error {
	file, err := fk.load()
	if err != nil {
		return err
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("corrupt keyring salt: %w", err)
	}
	key, err := fk.deriveKey(salt)
	if err != nil {
		return err
	}

	encryptedPassword, err := fk.encrypt(key, password)
	if err != nil {
		return err
	}

	entryKey := fmt.Sprintf("%s:%s", service, user)
	file.Entries[entryKey] = KeyringEntry{
		Service: service,
		User:    user,
		Data:    encryptedPassword,
	}

	return fk.save(file)
}

// Get retrieves an entry from the file keyring
func (fk *FileKeyring) Get(service, user string) (string, error) {
	data, err := os.ReadFile(fk.keyringPath)
	if err != nil {
		return "", fmt.Errorf("keyring file not found")
	}

	var file keyringFile
	if err := json.Unmarshal(data, &file); err != nil {
		return "", err
	}

	entryKey := fmt.Sprintf("%s:%s", service, user)
	entry, exists := file.Entries[entryKey]
	if !exists {
		return "", fmt.Errorf("entry not found")
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return "", fmt.Errorf("corrupt keyring salt: %w", err)
	}
	key, err := fk.deriveKey(salt)
	if err != nil {
		return "", err
	}

	return fk.decrypt(key, entry.Data)
}

// Delete removes an entry from the file keyring
func (fk *FileKeyring) Delete(service, user string) error {
	data, err := os.ReadFile(fk.keyringPath)
	if err != nil {
		return nil // File doesn't exist, nothing to delete
	}

	var file keyringFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Entries == nil {
		return nil
	}

	entryKey := fmt.Sprintf("%s:%s", service, user)
	delete(file.Entries, entryKey)

	return fk.save(&file)
}

// GetMasterPasswordFromEnv gets master password from environment variable
func GetMasterPasswordFromEnv() string {
	if password := os.Getenv("TRELLIS_MASTER_PASSWORD"); password != "" {
		return password
	}
	// Default password for development (change this in production!)
	return "default-master-password-change-me"
}

// GetDefaultKeyringPath returns the default keyring file path
func GetDefaultKeyringPath() string {
	// Check for environment variable override first
	if path := os.Getenv("TRELLIS_KEYRING_PATH"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/trellis-keyring.json"
	}
	return filepath.Join(homeDir, ".local", "share", "trellis", "keyring.json")
}
