package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"snapvault/internal/errors"
)

const (
	// KeySize is the AES-256 key length
	KeySize = 32
	// SaltSize is the salt length for the password-based path
	SaltSize = 32
	// DefaultIterations is the PBKDF2 iteration count floor
	DefaultIterations = 100000
	// MaxChunkSize bounds plaintext chunks so decryption runs in O(1) memory
	MaxChunkSize = 64 * 1024
)

// Stats contains statistics about a streaming encryption operation
type Stats struct {
	OriginalSize  int64         `json:"original_size"`
	EncryptedSize int64         `json:"encrypted_size"`
	Chunks        int           `json:"chunks"`
	Algorithm     string        `json:"algorithm"`
	Duration      time.Duration `json:"duration"`
}

// Service derives per-operation keys and performs streaming authenticated
// encryption of backup archives. Each chunk is independently length-prefixed
// and sealed, so arbitrarily large files never need to be buffered whole.
type Service struct {
	iterations int
	chunkSize  int
}

// NewService creates an encryption service. Iteration counts below the floor
// and chunk sizes above 64KB are clamped.
func NewService(iterations, chunkSize int) *Service {
	if iterations < DefaultIterations {
		iterations = DefaultIterations
	}
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	return &Service{iterations: iterations, chunkSize: chunkSize}
}

// DeriveKey derives a 32-byte key bound to the principal identity and the
// installation secret. The salt is reproducible from the same context, so the
// system-key path never needs a salt stored next to the ciphertext.
func (s *Service) DeriveKey(principal string, installationSecret []byte) []byte {
	saltInput := sha256.Sum256(append([]byte(principal+"\x00"), installationSecret...))
	return pbkdf2.Key(installationSecret, saltInput[:], s.iterations, KeySize, sha256.New)
}

// DeriveKeyFromPassword derives a key from a user password and an explicit
// random salt, for archives shared outside this installation.
func (s *Service) DeriveKeyFromPassword(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, s.iterations, KeySize, sha256.New)
}

// NewSalt generates a random salt for the password-based path
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.NewEncryptionError("failed to generate salt", err)
	}
	return salt, nil
}

// EncryptFile streams plainPath into cipherPath using chunked AES-256-GCM.
// Wire format per chunk: [4-byte big-endian length][nonce || sealed chunk].
// EOF terminates the stream; there is no trailing sentinel.
func (s *Service) EncryptFile(plainPath, cipherPath string, key []byte) (*Stats, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(plainPath)
	if err != nil {
		return nil, errors.NewEncryptionError("failed to open plaintext file", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(cipherPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewEncryptionError("failed to create ciphertext file", err)
	}
	defer dst.Close()

	stats, err := s.encryptStream(src, dst, gcm)
	if err != nil {
		dst.Close()
		os.Remove(cipherPath)
		return nil, err
	}

	return stats, nil
}

// EncryptFileWithPassword is the password-based path: a random 32-byte salt
// is prepended to the chunk stream.
func (s *Service) EncryptFileWithPassword(plainPath, cipherPath, password string) (*Stats, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	key := s.DeriveKeyFromPassword(password, salt)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(plainPath)
	if err != nil {
		return nil, errors.NewEncryptionError("failed to open plaintext file", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(cipherPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewEncryptionError("failed to create ciphertext file", err)
	}
	defer dst.Close()

	if _, err := dst.Write(salt); err != nil {
		dst.Close()
		os.Remove(cipherPath)
		return nil, errors.NewEncryptionError("failed to write salt", err)
	}

	stats, err := s.encryptStream(src, dst, gcm)
	if err != nil {
		dst.Close()
		os.Remove(cipherPath)
		return nil, err
	}
	stats.EncryptedSize += SaltSize

	return stats, nil
}

// DecryptFile reverses EncryptFile. Any authentication-tag mismatch fails the
// whole decrypt; partial output is removed, never treated as valid.
func (s *Service) DecryptFile(cipherPath, plainPath string, key []byte) error {
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	src, err := os.Open(cipherPath)
	if err != nil {
		return errors.NewEncryptionError("failed to open ciphertext file", err)
	}
	defer src.Close()

	return s.decryptStream(src, plainPath, gcm)
}

// DecryptFileWithPassword reverses EncryptFileWithPassword, reading the
// 32-byte salt prefix first.
func (s *Service) DecryptFileWithPassword(cipherPath, plainPath, password string) error {
	src, err := os.Open(cipherPath)
	if err != nil {
		return errors.NewEncryptionError("failed to open ciphertext file", err)
	}
	defer src.Close()

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(src, salt); err != nil {
		return errors.NewEncryptionError("ciphertext is missing its salt prefix", err)
	}

	key := s.DeriveKeyFromPassword(password, salt)
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	return s.decryptStream(src, plainPath, gcm)
}

func (s *Service) encryptStream(src io.Reader, dst io.Writer, gcm cipher.AEAD) (*Stats, error) {
	start := time.Now()
	stats := &Stats{Algorithm: "AES-256-GCM"}

	buf := make([]byte, s.chunkSize)
	lenPrefix := make([]byte, 4)

	for {
		n, readErr := io.ReadFull(src, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return nil, errors.NewEncryptionError("failed to read plaintext chunk", readErr)
		}

		nonce := make([]byte, gcm.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, errors.NewEncryptionError("failed to generate nonce", err)
		}

		sealed := gcm.Seal(nil, nonce, buf[:n], nil)
		frame := len(nonce) + len(sealed)

		binary.BigEndian.PutUint32(lenPrefix, uint32(frame))
		if _, err := dst.Write(lenPrefix); err != nil {
			return nil, errors.NewEncryptionError("failed to write chunk length", err)
		}
		if _, err := dst.Write(nonce); err != nil {
			return nil, errors.NewEncryptionError("failed to write nonce", err)
		}
		if _, err := dst.Write(sealed); err != nil {
			return nil, errors.NewEncryptionError("failed to write sealed chunk", err)
		}

		stats.OriginalSize += int64(n)
		stats.EncryptedSize += int64(4 + frame)
		stats.Chunks++

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

func (s *Service) decryptStream(src io.Reader, plainPath string, gcm cipher.AEAD) error {
	dst, err := os.OpenFile(plainPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.NewEncryptionError("failed to create plaintext file", err)
	}

	fail := func(msg string, cause error) error {
		dst.Close()
		os.Remove(plainPath)
		return errors.NewEncryptionError(msg, cause)
	}

	lenPrefix := make([]byte, 4)
	nonceSize := gcm.NonceSize()
	// Frame bound: nonce + sealed chunk of at most MaxChunkSize plaintext.
	maxFrame := nonceSize + MaxChunkSize + gcm.Overhead()

	for {
		_, err := io.ReadFull(src, lenPrefix)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail("truncated chunk length prefix", err)
		}

		frame := int(binary.BigEndian.Uint32(lenPrefix))
		if frame <= nonceSize || frame > maxFrame {
			return fail("invalid chunk framing", nil)
		}

		body := make([]byte, frame)
		if _, err := io.ReadFull(src, body); err != nil {
			return fail("truncated ciphertext chunk", err)
		}

		plain, err := gcm.Open(nil, body[:nonceSize], body[nonceSize:], nil)
		if err != nil {
			return fail("authentication failed: wrong key or corrupt ciphertext", err)
		}

		if _, err := dst.Write(plain); err != nil {
			return fail("failed to write plaintext chunk", err)
		}
	}

	if err := dst.Close(); err != nil {
		os.Remove(plainPath)
		return errors.NewEncryptionError("failed to finalize plaintext file", err)
	}

	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.NewEncryptionError("key must be 32 bytes for AES-256", nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewEncryptionError("failed to create AES cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewEncryptionError("failed to create GCM cipher", err)
	}

	return gcm, nil
}
