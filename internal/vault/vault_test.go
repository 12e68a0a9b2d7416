package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
)

func TestNewRequiresMasterKey(t *testing.T) {
	for _, key := range []string{"", "   "} {
		if _, err := New(key); !errors.Is(err, ErrMasterKeyMissing) {
			t.Errorf("New(%q) error = %v, want ErrMasterKeyMissing", key, err)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("master-secret")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, plain := range []string{"", "s", "0123456789abcdef0123456789abcdef", "юникод секрет"} {
		enc, err := v.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plain, err)
		}
		if enc == plain {
			t.Fatalf("Encrypt(%q) returned plaintext", plain)
		}
		got, err := v.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plain {
			t.Errorf("Decrypt() = %q, want %q", got, plain)
		}
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	v, _ := New("master-secret")
	a, _ := v.Encrypt("same")
	b, _ := v.Encrypt("same")
	if a == b {
		t.Fatal("two encryptions of the same plaintext are identical")
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	v, _ := New("master-secret")
	enc, _ := v.Encrypt("device-secret")
	raw, _ := base64.StdEncoding.DecodeString(enc)

	tests := []struct {
		name string
		in   string
	}{
		{"not base64", "%%%"},
		{"too short", base64.StdEncoding.EncodeToString(raw[:20])},
		{"flipped iv", flip(raw, 0)},
		{"flipped tag", flip(raw, ivSize+1)},
		{"flipped data", flip(raw, len(raw)-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Decrypt(tt.in)
			if !errors.Is(err, ErrIntegrity) {
				t.Fatalf("Decrypt() error = %v, want ErrIntegrity", err)
			}
			if got != "" {
				t.Errorf("Decrypt() returned %q on failure", got)
			}
		})
	}
}

func TestDecryptWithWrongMasterKey(t *testing.T) {
	a, _ := New("key-a")
	b, _ := New("key-b")
	enc, _ := a.Encrypt("device-secret")
	if _, err := b.Decrypt(enc); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("Decrypt() with other key error = %v, want ErrIntegrity", err)
	}
}

// Значение в формате iv|tag|data, собранное напрямую через crypto/cipher,
// должно расшифровываться: так хранятся секреты, записанные старым сервисом.
func TestDecryptStoredLayout(t *testing.T) {
	key := sha256.Sum256([]byte("master-secret"))
	block, _ := aes.NewCipher(key[:])
	aead, _ := cipher.NewGCM(block)
	iv := []byte("0123456789ab")
	sealed := aead.Seal(nil, iv, []byte("legacy-secret"), nil)
	data, tag := sealed[:len(sealed)-16], sealed[len(sealed)-16:]

	var stored []byte
	stored = append(stored, iv...)
	stored = append(stored, tag...)
	stored = append(stored, data...)

	v, _ := New("master-secret")
	got, err := v.Decrypt(base64.StdEncoding.EncodeToString(stored))
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != "legacy-secret" {
		t.Errorf("Decrypt() = %q, want legacy-secret", got)
	}
}

func flip(raw []byte, i int) string {
	c := append([]byte(nil), raw...)
	c[i] ^= 0x01
	return base64.StdEncoding.EncodeToString(c)
}
