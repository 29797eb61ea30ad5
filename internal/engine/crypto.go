package engine

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"strings"

	"github.com/datallboy/gohls/internal/domain"
)

var errBadPadding = errors.New("invalid PKCS#7 padding")

// Decrypt reverses the playlist's encryption for one segment. Only AES-128 in CBC
// mode is accepted; anything else fails rather than producing garbage.
func Decrypt(c *domain.CryptoContext, sequence uint64, data []byte) ([]byte, error) {
	if !c.Enabled() {
		return data, nil
	}
	if !strings.EqualFold(c.Method, "AES-128") {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCipher, c.Method)
	}
	return decryptCBC(c.Key, c.IVFor(sequence), data)
}

func decryptCBC(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv length %d, want %d", len(iv), block.BlockSize())
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return unpad(out, block.BlockSize())
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errBadPadding
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errBadPadding
	}
	return data[:len(data)-n], nil
}
