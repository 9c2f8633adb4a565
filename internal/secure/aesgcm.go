package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const (
	masterKeySize = 32
	gcmTagSize    = 16
)

// hkdfInfoFieldKey separates the field-sealing key from anything else that
// may ever be derived from the same master key.
var hkdfInfoFieldKey = []byte("companion.secure.field.aes-256-gcm.v1")

// MasterKeyPath returns the location of the fallback master key for scope.
func MasterKeyPath(scope string) string {
	return filepath.Join(scope, "security", "master.key")
}

// loadMasterKey reads the master key for scope. When create is set and no
// key exists yet, a fresh random key is written with owner-only
// permissions. Concurrent creators race on O_EXCL; the loser reads the
// winner's key.
func loadMasterKey(scope string, create bool) ([]byte, error) {
	path := MasterKeyPath(scope)
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return data, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading master key: %w", err)
	}
	if !create {
		return nil, fmt.Errorf("master key missing at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating security dir: %w", err)
	}
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if len(data) == 0 && err == nil {
		// An empty key file left behind by a crash is replaced.
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return loadMasterKey(scope, false)
	}
	if err != nil {
		return nil, fmt.Errorf("creating master key: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing master key: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing master key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing master key: %w", err)
	}
	return key, nil
}

func deriveFieldKey(master []byte) ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfoFieldKey), key); err != nil {
		return nil, fmt.Errorf("deriving field key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func sealAESGCM(key []byte, plaintext string) (Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("initializing cipher: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generating iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	return Envelope{
		Version:   envelopeVersion,
		Algorithm: AlgorithmAESGCM,
		Payload:   base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(iv),
		Tag:       base64.StdEncoding.EncodeToString(tag),
	}, nil
}

func openAESGCM(key []byte, e Envelope) (string, error) {
	if e.IV == "" || e.Tag == "" {
		return "", errors.New("envelope missing iv or tag")
	}
	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil {
		return "", fmt.Errorf("decoding iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(e.Tag)
	if err != nil {
		return "", fmt.Errorf("decoding tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("initializing cipher: %w", err)
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return "", errors.New("envelope iv or tag has wrong size")
	}
	plain, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("authenticating payload: %w", err)
	}
	return string(plain), nil
}
