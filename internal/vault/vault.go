// Package vault шифрует секреты устройств для хранения в БД.
//
// Формат шифртекста совместим с ранее сохранёнными значениями:
// base64(iv(12) | tag(16) | ciphertext), AES-256-GCM, ключ = SHA-256(master key).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	ivSize  = 12
	tagSize = 16
)

var (
	ErrMasterKeyMissing = errors.New("vault: master key is not configured")
	// ErrIntegrity: шифртекст повреждён или подделан. Наружу не отдаём, только логируем.
	ErrIntegrity = errors.New("vault: secret ciphertext failed integrity check")
)

type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// New выводит ключ один раз при старте. Пустой мастер-ключ, фатальная ошибка старта.
func New(masterKey string) (*Vault, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, ErrMasterKeyMissing
	}
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return "", fmt.Errorf("vault: read iv: %w", err)
	}
	// Seal отдаёт data|tag, храним iv|tag|data
	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	data, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(data))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, data...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	buf, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrIntegrity)
	}
	if len(buf) < ivSize+tagSize {
		return "", fmt.Errorf("%w: ciphertext too short (%d bytes)", ErrIntegrity, len(buf))
	}
	iv := buf[:ivSize]
	tag := buf[ivSize : ivSize+tagSize]
	data := buf[ivSize+tagSize:]

	sealed := make([]byte, 0, len(data)+tagSize)
	sealed = append(sealed, data...)
	sealed = append(sealed, tag...)

	plain, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return string(plain), nil
}
