package hsm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// HSMInterface defines the secret-bearing operations of the ledger
type HSMInterface interface {
	// PIN Operations
	GenerateSalt() ([]byte, error)
	HashPIN(pin string, salt []byte) (string, error)
	VerifyPIN(pin string, salt []byte, hashedPIN string) (bool, error)

	// Transaction Security
	TransactionChecksum(sequence uint64, timestamp string) string

	// Token Operations
	GenerateToken() (string, error)
}

// Argon2Params are the PIN hashing cost parameters.
type Argon2Params struct {
	Time       uint32
	Memory     uint32
	Threads    uint8
	KeyLength  uint32
	SaltLength int
}

// DefaultArgon2Params matches the argon2id settings used for passwords.
var DefaultArgon2Params = Argon2Params{
	Time:       1,
	Memory:     64 * 1024,
	Threads:    4,
	KeyLength:  32,
	SaltLength: 16,
}

// Config holds HSM configuration
type Config struct {
	MasterKey string
	Salt      []byte
	Argon2    Argon2Params
}

// HSMServer implements HSMInterface with a master key derived at start-up
type HSMServer struct {
	masterKey []byte
	params    Argon2Params
}

// InitHSM initializes the HSM server
func InitHSM(config Config) (*HSMServer, error) {
	if config.MasterKey == "" {
		return nil, errors.New("Master Key Required")
	}
	if len(config.Salt) == 0 {
		return nil, errors.New("Master Salt Required")
	}

	params := config.Argon2
	if params.KeyLength == 0 {
		params = DefaultArgon2Params
	}
	if params.SaltLength <= 0 {
		params.SaltLength = DefaultArgon2Params.SaltLength
	}

	return &HSMServer{
		masterKey: deriveKey(config.MasterKey, string(config.Salt), 32),
		params:    params,
	}, nil
}

// GenerateSalt returns a fresh random per-account salt
func (h *HSMServer) GenerateSalt() ([]byte, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// HashPIN hashes a PIN using Argon2id and returns the base64 digest
func (h *HSMServer) HashPIN(pin string, salt []byte) (string, error) {
	if len(salt) == 0 {
		return "", errors.New("salt required")
	}

	hash := argon2.IDKey([]byte(pin), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLength)
	return base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyPIN verifies a PIN against its stored digest
func (h *HSMServer) VerifyPIN(pin string, salt []byte, hashedPIN string) (bool, error) {
	storedHash, err := base64.StdEncoding.DecodeString(hashedPIN)
	if err != nil {
		return false, fmt.Errorf("invalid PIN hash format: %w", err)
	}
	if len(storedHash) == 0 {
		return false, errors.New("PIN hash empty")
	}

	inputHash := argon2.IDKey([]byte(pin), salt, h.params.Time, h.params.Memory, h.params.Threads, uint32(len(storedHash)))
	return subtle.ConstantTimeCompare(inputHash, storedHash) == 1, nil
}

// TransactionChecksum binds a sequence number and timestamp to the master key.
// The result is the first 8 hex digits of the HMAC, upper-cased.
func (h *HSMServer) TransactionChecksum(sequence uint64, timestamp string) string {
	mac := hmac.New(sha256.New, h.masterKey)
	fmt.Fprintf(mac, "%d|%s", sequence, timestamp)
	sum := mac.Sum(nil)
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}

// GenerateToken returns an unguessable URL-safe token
func (h *HSMServer) GenerateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func deriveKey(password, salt string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), []byte(salt), 3, 32*1024, 4, keyLen)
}
