package engine

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"testing"

	"github.com/datallboy/gohls/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDecrypt_knownPlaintext(t *testing.T) {
	// NIST SP 800-38A F.2.1, first block
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	iv := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	plain := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")

	ciphertext := encryptCBC(key, iv, plain)
	require.Len(t, ciphertext, 32)
	assert.Equal(t, "7649abac8119b246cee98e9b12e9197d", hex.EncodeToString(ciphertext[:16]))

	crypto := &domain.CryptoContext{Method: "AES-128", Key: key, IV: iv}
	got, err := Decrypt(crypto, 0, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecrypt_derivesIVFromSequence(t *testing.T) {
	key := []byte("0123456789abcdef")
	crypto := &domain.CryptoContext{Method: "aes-128", Key: key}
	plain := []byte("transport stream bytes")

	got, err := Decrypt(crypto, 42, encryptCBC(key, crypto.IVFor(42), plain))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecrypt_rejects(t *testing.T) {
	key := []byte("0123456789abcdef")

	_, err := Decrypt(&domain.CryptoContext{Method: "SAMPLE-AES", Key: key}, 0, make([]byte, 16))
	assert.ErrorIs(t, err, domain.ErrUnsupportedCipher)

	_, err = Decrypt(&domain.CryptoContext{Method: "AES-128", Key: key}, 0, make([]byte, 15))
	assert.Error(t, err, "partial block")

	// a block whose plaintext ends in 0x00 carries no valid padding
	iv := make([]byte, 16)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	unpadded := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(unpadded, make([]byte, 16))
	_, err = Decrypt(&domain.CryptoContext{Method: "AES-128", Key: key, IV: iv}, 0, unpadded)
	assert.ErrorIs(t, err, errBadPadding)

	plain := []byte("clear")
	got, err := Decrypt(nil, 0, plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}
