package tool

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// SecretKeyEnv overrides the key material used to encrypt stored credentials.
	SecretKeyEnv         = "TOOLCONN_SECRET_KEY"
	encryptedValuePrefix = "enc:v1:"
	secretKeySalt        = "toolconn/credentials"
)

type secretCodec struct {
	aead cipher.AEAD
}

func newSecretCodec(scope string) (*secretCodec, error) {
	key, err := deriveSecretKey(scope)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &secretCodec{aead: aead}, nil
}

// deriveSecretKey expands the configured key material, or a user and host
// bound fallback, into a 32 byte AES key for scope.
func deriveSecretKey(scope string) ([]byte, error) {
	var material []byte
	if env := strings.TrimSpace(os.Getenv(SecretKeyEnv)); env != "" {
		if decoded, err := base64.StdEncoding.DecodeString(env); err == nil && len(decoded) > 0 {
			material = decoded
		} else {
			material = []byte(env)
		}
	} else {
		username := "unknown"
		if current, err := user.Current(); err == nil && current != nil {
			username = current.Username
		}
		hostname, _ := os.Hostname()
		material = []byte(fmt.Sprintf("toolconn:%s:%s", username, hostname))
	}

	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, material, []byte(secretKeySalt), []byte(strings.TrimSpace(scope)))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("tool: derive secret key: %w", err)
	}
	return key, nil
}

func (c *secretCodec) Encrypt(value string) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("tool: secret codec is not initialized")
	}
	if strings.TrimSpace(value) == "" {
		return value, nil
	}
	if isEncryptedValue(value) {
		return value, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := c.aead.Seal(nil, nonce, []byte(value), nil)
	payload := append(nonce, ciphertext...)
	return encryptedValuePrefix + base64.StdEncoding.EncodeToString(payload), nil
}

func (c *secretCodec) Decrypt(value string) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("tool: secret codec is not initialized")
	}
	if !isEncryptedValue(value) {
		return value, nil
	}

	raw := strings.TrimPrefix(strings.TrimSpace(value), encryptedValuePrefix)
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}

	nonceSize := c.aead.NonceSize()
	if len(payload) < nonceSize {
		return "", fmt.Errorf("tool: encrypted payload is too short")
	}

	plaintext, err := c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// sealCredentials encrypts the sensitive fields of t in place.
func (c *secretCodec) sealCredentials(t *Tool) error {
	for _, field := range credentialFields(t) {
		sealed, err := c.Encrypt(*field.value)
		if err != nil {
			return fmt.Errorf("tool: encrypt %s for %s: %w", field.name, t.ID, err)
		}
		*field.value = sealed
	}
	return nil
}

// openCredentials decrypts the sensitive fields of t in place.
func (c *secretCodec) openCredentials(t *Tool) error {
	for _, field := range credentialFields(t) {
		plain, err := c.Decrypt(*field.value)
		if err != nil {
			return fmt.Errorf("tool: decrypt %s for %s: %w", field.name, t.ID, err)
		}
		*field.value = plain
	}
	return nil
}

type credentialField struct {
	name  string
	value *string
}

func credentialFields(t *Tool) []credentialField {
	return []credentialField{
		{name: "password", value: &t.Password},
		{name: "token", value: &t.Token},
		{name: "apiKey", value: &t.APIKey},
	}
}

func isEncryptedValue(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), encryptedValuePrefix)
}
