// Package export implements the offline synchronization container: the
// same JSON change batch the wire protocol carries, compressed and
// bit-obfuscated for sneakernet transfer, with an optional password
// layer. The obfuscation is not a security boundary; it merely
// discourages casual manual editing of exported files.
package export

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	syncengine "github.com/kimhsiao/centersync/internal/sync"
)

// File layout: magic, version, flags, then the payload. The payload is
// gzip(JSON batch) passed through a rolling XOR. When the encrypted
// flag is set, a 16-byte salt and the GCM nonce precede the AES-256-GCM
// ciphertext of that payload.
var magic = []byte("CSXF")

const (
	formatVersion byte = 1

	flagEncrypted byte = 1 << 0

	saltSize      = 16
	keyIterations = 10_000
	keySize       = 32
)

// deriveKey stretches a password into an AES-256 key.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, keyIterations, keySize, sha256.New)
}

// obfuscate applies a rolling XOR keystream. The keystream depends only
// on position, so the transform is its own inverse.
func obfuscate(data []byte) []byte {
	out := make([]byte, len(data))
	k := byte(0x5A)
	for i, b := range data {
		out[i] = b ^ k
		k = k*31 + 17
	}
	return out
}

// Write serializes a change batch into the container format. An empty
// password writes an unencrypted file.
func Write(w io.Writer, batch *syncengine.ChangeBatch, password string) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to encode batch", err)
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(data); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to compress batch", err)
	}
	if err := zw.Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to compress batch", err)
	}
	payload := obfuscate(compressed.Bytes())

	flags := byte(0)
	if password != "" {
		flags |= flagEncrypted
	}
	header := append(append([]byte{}, magic...), formatVersion, flags)
	if _, err := w.Write(header); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to write header", err)
	}

	if password == "" {
		if _, err := w.Write(payload); err != nil {
			return apperrors.Wrap(apperrors.ErrExportFailed, "failed to write payload", err)
		}
		return nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to generate salt", err)
	}
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to init cipher", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to generate nonce", err)
	}

	if _, err := w.Write(salt); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to write salt", err)
	}
	if _, err := w.Write(nonce); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to write nonce", err)
	}
	if _, err := w.Write(gcm.Seal(nil, nonce, payload, nil)); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to write payload", err)
	}
	return nil
}

// Read parses a container written by Write.
func Read(r io.Reader, password string) (*syncengine.ChangeBatch, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to read file", err)
	}
	if len(raw) < len(magic)+2 || !bytes.Equal(raw[:len(magic)], magic) {
		return nil, apperrors.New(apperrors.ErrCorruptedArchive, "not a centersync export file")
	}
	version := raw[len(magic)]
	if version != formatVersion {
		return nil, apperrors.New(apperrors.ErrCorruptedArchive, "unsupported format version")
	}
	flags := raw[len(magic)+1]
	payload := raw[len(magic)+2:]

	if flags&flagEncrypted != 0 {
		if password == "" {
			return nil, apperrors.New(apperrors.ErrInvalidPassword, "file is password protected")
		}
		if len(payload) < saltSize {
			return nil, apperrors.New(apperrors.ErrCorruptedArchive, "truncated file")
		}
		salt := payload[:saltSize]
		block, err := aes.NewCipher(deriveKey(password, salt))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to init cipher", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to init cipher", err)
		}
		rest := payload[saltSize:]
		if len(rest) < gcm.NonceSize() {
			return nil, apperrors.New(apperrors.ErrCorruptedArchive, "truncated file")
		}
		payload, err = gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInvalidPassword, "wrong password or corrupted file")
		}
	}

	zr, err := gzip.NewReader(bytes.NewReader(obfuscate(payload)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "bad payload", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "bad payload", err)
	}

	var batch syncengine.ChangeBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "bad batch payload", err)
	}
	return &batch, nil
}

// WriteFile exports a batch to a file on disk.
func WriteFile(path string, batch *syncengine.ChangeBatch, password string) error {
	f, err := os.Create(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to create export file", err)
	}
	if err := Write(f, batch, password); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile imports a batch from a file on disk. The resulting batch is
// applied through the synchronizer with sync type File.
func ReadFile(path string, password string) (*syncengine.ChangeBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to open export file", err)
	}
	defer f.Close()
	return Read(f, password)
}
