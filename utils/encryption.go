package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"leadpilot/config"
)

// Sender SMTP and IMAP passwords are stored encrypted with AES-256-GCM
// under the configured key. A random nonce is prepended to the sealed
// ciphertext and the whole blob is base64 encoded for the text column.

// ErrCiphertextInvalid is returned when a stored secret fails to
// authenticate: wrong key, truncated blob or a modified ciphertext.
var ErrCiphertextInvalid = errors.New("ciphertext invalid or tampered")

func sealer() (cipher.AEAD, error) {
	block, err := aes.NewCipher([]byte(config.AppConfig.EncryptionKey))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals a secret for storage. Empty input stays empty so optional
// credential columns round-trip cleanly.
func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := sealer()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored secret previously produced by Encrypt.
func Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	gcm, err := sealer()
	if err != nil {
		return "", err
	}
	blob, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(blob) < gcm.NonceSize() {
		return "", ErrCiphertextInvalid
	}
	nonce, sealed := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	return string(plaintext), nil
}
