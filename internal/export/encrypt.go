package export

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
)

// Encrypted archive layout:
//
//	magic(8) | salt(16) | nonce(12) | AES-256-GCM(gzip archive)
const (
	magic     = "LDGRBAK1"
	saltLen   = 16
	keyLen    = 32
	headerLen = len(magic) + saltLen

	// PasswordMinLength is the shortest accepted backup password.
	PasswordMinLength = 8
)

// argon2id parameters; changing them breaks existing archives.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// IsEncrypted reports whether data starts with the encrypted archive header.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(magic))
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, kdfTime, kdfMemory, kdfThreads, keyLen)
}

// encrypt seals plain under password.
func encrypt(plain []byte, password string) ([]byte, error) {
	if len(password) < PasswordMinLength {
		return nil, apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("backup password must be at least %d characters", PasswordMinLength))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to generate salt", err)
	}
	gcm, err := newGCM(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to generate nonce", err)
	}

	out := make([]byte, 0, headerLen+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	// The header is authenticated as additional data.
	return gcm.Seal(out, nonce, plain, out[:headerLen]), nil
}

// decrypt opens an archive produced by encrypt. A wrong password and a
// tampered archive are indistinguishable.
func decrypt(data []byte, password string) ([]byte, error) {
	if !IsEncrypted(data) {
		return nil, apperrors.New(apperrors.ErrInvalid, "archive is not encrypted")
	}
	if password == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "archive is encrypted, a password is required")
	}
	if len(data) < headerLen {
		return nil, apperrors.New(apperrors.ErrValidation, "archive header truncated")
	}
	salt := data[len(magic):headerLen]
	gcm, err := newGCM(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	if len(data) < headerLen+gcm.NonceSize() {
		return nil, apperrors.New(apperrors.ErrValidation, "archive header truncated")
	}
	nonce := data[headerLen : headerLen+gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, data[headerLen+gcm.NonceSize():], data[:headerLen])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to decrypt archive (wrong password?)", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to create GCM", err)
	}
	return gcm, nil
}
