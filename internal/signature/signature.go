// Package signature, HMAC-SHA256 подпись событий телеметрии.
//
// Строка подписи:
//
//	tenantId \n deviceKeyId \n ts \n nonce \n sha256hex(canonicalBody)
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// BodyHash: sha256 канонического тела в hex (нижний регистр).
func BodyHash(canonicalBody []byte) string {
	h := sha256.Sum256(canonicalBody)
	return hex.EncodeToString(h[:])
}

func SigningString(tenantID, deviceKeyID string, ts int64, nonce string, canonicalBody []byte) string {
	return strings.Join([]string{
		tenantID,
		deviceKeyID,
		strconv.FormatInt(ts, 10),
		nonce,
		BodyHash(canonicalBody),
	}, "\n")
}

// Sign возвращает hex HMAC-SHA256. Сервер подписывает только свои исходящие
// вызовы и тесты; входящие события подписывает устройство.
func Sign(secret []byte, signingString string) string {
	return hex.EncodeToString(mac(secret, signingString))
}

// Verify сравнивает за постоянное время. Не-hex или другая длина, false.
func Verify(secret []byte, signingString, supplied string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(supplied))
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(secret, signingString))
}

func mac(secret []byte, s string) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(s))
	return m.Sum(nil)
}
