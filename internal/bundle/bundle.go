// Package bundle implements the encrypted task bundle exchanged between
// client and server.
//
// A bundle is a zip archive with exactly two members — metadata.json and
// audio.ogg — encrypted with AES-256-GCM under a key derived from a shared
// password via PBKDF2-HMAC-SHA256. The wire layout is:
//
//	[16-byte salt][12-byte nonce][GCM ciphertext of the zip]
//
// The KDF and cipher parameters are pinned by the version tag carried in
// metadata.json so future formats can coexist. Packing is not
// byte-deterministic (salt and nonce are random); unpacking is.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

// Format version "1": PBKDF2-HMAC-SHA256, 100 000 iterations, 16-byte salt,
// AES-256-GCM.
const (
	Version = "1"

	// MetadataName and AudioName are the fixed archive member names.
	MetadataName = "metadata.json"
	AudioName    = "audio.ogg"

	saltSize      = 16
	keySize       = 32
	kdfIterations = 100_000
)

// ErrAuth means decryption failed: wrong password or tampered ciphertext.
var ErrAuth = errors.New("bundle: authentication failed")

// SchemaError means the metadata member is absent or malformed.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string { return "bundle: bad metadata: " + e.Reason }

// FormatError means the envelope or archive layout is wrong: truncated
// data, a non-zip payload, or a missing/misnamed audio member.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "bundle: bad format: " + e.Reason }

// EncodeError means packing failed, typically because the audio file is
// missing or unreadable.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return "bundle: encode: " + e.Err.Error() }
func (e *EncodeError) Unwrap() error { return e.Err }

// Metadata is the task description carried inside every bundle.
type Metadata struct {
	TaskID  string `json:"task_id"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

// deriveKey stretches the shared password into an AES-256 key.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, keySize, sha256.New)
}

// Pack builds an encrypted bundle from meta and the audio file at audioPath.
// meta.Version is set to the current format version.
func Pack(meta Metadata, audioPath, password string) ([]byte, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	meta.Version = Version

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for _, member := range []struct {
		name string
		data []byte
	}{
		{MetadataName, metaJSON},
		{AudioName, audio},
	} {
		w, err := zw.Create(member.name)
		if err != nil {
			return nil, &EncodeError{Err: err}
		}
		if _, err := w.Write(member.data); err != nil {
			return nil, &EncodeError{Err: err}
		}
	}
	if err := zw.Close(); err != nil {
		return nil, &EncodeError{Err: err}
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, &EncodeError{Err: fmt.Errorf("generate salt: %w", err)}
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &EncodeError{Err: fmt.Errorf("generate nonce: %w", err)}
	}

	out := make([]byte, 0, saltSize+len(nonce)+archive.Len()+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, archive.Bytes(), nil)
	return out, nil
}

// Unpack decrypts and extracts a bundle into destDir. It returns the
// metadata and the path of the extracted audio file.
//
// Failure modes: [ErrAuth] on key mismatch or tampering, [*SchemaError] on
// absent or malformed metadata, [*FormatError] on a truncated envelope, a
// non-archive payload, or a wrong member set.
func Unpack(data []byte, password, destDir string) (Metadata, string, error) {
	gcmProbe, err := newGCM(password, make([]byte, saltSize))
	if err != nil {
		return Metadata{}, "", fmt.Errorf("bundle: init cipher: %w", err)
	}
	header := saltSize + gcmProbe.NonceSize()
	if len(data) < header+gcmProbe.Overhead() {
		return Metadata{}, "", &FormatError{Reason: "truncated envelope"}
	}

	salt := data[:saltSize]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return Metadata{}, "", fmt.Errorf("bundle: init cipher: %w", err)
	}
	nonce := data[saltSize:header]

	plain, err := gcm.Open(nil, nonce, data[header:], nil)
	if err != nil {
		return Metadata{}, "", fmt.Errorf("%w: %v", ErrAuth, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		return Metadata{}, "", &FormatError{Reason: "payload is not a zip archive"}
	}

	var metaFile, audioFile *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case MetadataName:
			metaFile = f
		case AudioName:
			audioFile = f
		default:
			return Metadata{}, "", &FormatError{Reason: fmt.Sprintf("unexpected member %q", f.Name)}
		}
	}
	if metaFile == nil {
		return Metadata{}, "", &SchemaError{Reason: MetadataName + " member missing"}
	}
	if audioFile == nil {
		return Metadata{}, "", &FormatError{Reason: AudioName + " member missing"}
	}

	meta, err := readMetadata(metaFile)
	if err != nil {
		return Metadata{}, "", err
	}

	audioPath := filepath.Join(destDir, AudioName)
	if err := extractFile(audioFile, audioPath); err != nil {
		return Metadata{}, "", fmt.Errorf("bundle: extract audio: %w", err)
	}
	return meta, audioPath, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func readMetadata(f *zip.File) (Metadata, error) {
	rc, err := f.Open()
	if err != nil {
		return Metadata{}, &SchemaError{Reason: "open metadata: " + err.Error()}
	}
	defer rc.Close()

	var meta Metadata
	dec := json.NewDecoder(rc)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&meta); err != nil {
		return Metadata{}, &SchemaError{Reason: "decode metadata: " + err.Error()}
	}
	if meta.TaskID == "" {
		return Metadata{}, &SchemaError{Reason: "task_id is empty"}
	}
	if meta.Version != Version {
		return Metadata{}, &SchemaError{Reason: fmt.Sprintf("unsupported version %q", meta.Version)}
	}
	return meta, nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
