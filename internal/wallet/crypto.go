package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/argon2"

	"github.com/klingon-exchange/xswap/internal/chain"
)

// Argon2id parameters for new seed files.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// Password limits.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ErrWrongPassword is returned when a seed file fails authentication.
var ErrWrongPassword = errors.New("failed to decrypt seed (wrong password?)")

// EncryptedSeed is the on-disk form of the adapter mnemonic.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// EncryptMnemonic encrypts a mnemonic using Argon2id + AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	enc := &EncryptedSeed{
		Version:     1,
		Salt:        salt,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}
	gcm, err := enc.aead(password)
	if err != nil {
		return nil, err
	}

	enc.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(enc.Nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	enc.Ciphertext = gcm.Seal(nil, enc.Nonce, []byte(mnemonic), nil)
	return enc, nil
}

// DecryptMnemonic decrypts an encrypted seed.
func DecryptMnemonic(enc *EncryptedSeed, password string) (string, error) {
	gcm, err := enc.aead(password)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer SecureClear(plaintext)
	return string(plaintext), nil
}

func (e *EncryptedSeed) aead(password string) (cipher.AEAD, error) {
	t, m, p := e.Time, e.Memory, e.Parallelism
	if t == 0 {
		t = argon2Time
	}
	if m == 0 {
		m = argon2Memory
	}
	if p == 0 {
		p = argon2Parallelism
	}

	key := argon2.IDKey([]byte(password), e.Salt, t, m, p, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveEncryptedSeed writes an encrypted seed with owner-only permissions.
func SaveEncryptedSeed(enc *EncryptedSeed, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadEncryptedSeed reads an encrypted seed file.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var enc EncryptedSeed
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return &enc, nil
}

// Open decrypts the seed file at path and returns the wallet.
func Open(path, password, passphrase string, network chain.Network) (*Wallet, error) {
	enc, err := LoadEncryptedSeed(path)
	if err != nil {
		return nil, err
	}
	mnemonic, err := DecryptMnemonic(enc, password)
	if err != nil {
		return nil, err
	}
	return NewFromMnemonic(mnemonic, passphrase, network)
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ValidatePassword requires MinPasswordLength characters and 3 of 4
// character classes.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	classes := make(map[string]bool)
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes["upper"] = true
		case unicode.IsLower(r):
			classes["lower"] = true
		case unicode.IsNumber(r):
			classes["number"] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes["special"] = true
		}
	}
	if len(classes) < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}
