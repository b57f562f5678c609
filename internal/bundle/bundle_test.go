package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeAudio(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.ogg")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write audio fixture: %v", err)
	}
	return path
}

func TestPackUnpackRoundTrip(t *testing.T) {
	audio := []byte("OggS fake opus payload")
	data, err := Pack(Metadata{TaskID: "movie-42", Model: "large-v3-turbo"}, writeAudio(t, audio), "hunter2")
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	dest := t.TempDir()
	meta, audioPath, err := Unpack(data, "hunter2", dest)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if meta.TaskID != "movie-42" {
		t.Errorf("TaskID = %q, want %q", meta.TaskID, "movie-42")
	}
	if meta.Model != "large-v3-turbo" {
		t.Errorf("Model = %q, want %q", meta.Model, "large-v3-turbo")
	}
	if meta.Version != Version {
		t.Errorf("Version = %q, want %q", meta.Version, Version)
	}
	got, err := os.ReadFile(audioPath)
	if err != nil {
		t.Fatalf("read extracted audio: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("extracted audio = %q, want %q", got, audio)
	}
}

func TestPackMissingAudio(t *testing.T) {
	_, err := Pack(Metadata{TaskID: "x", Model: "base"}, filepath.Join(t.TempDir(), "nope.ogg"), "pw")
	var encErr *EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("Pack() error = %v, want *EncodeError", err)
	}
}

func TestUnpackWrongPassword(t *testing.T) {
	data, err := Pack(Metadata{TaskID: "x", Model: "base"}, writeAudio(t, []byte("a")), "right")
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	_, _, err = Unpack(data, "wrong", t.TempDir())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Unpack() error = %v, want ErrAuth", err)
	}
}

func TestUnpackTamperedCiphertext(t *testing.T) {
	data, err := Pack(Metadata{TaskID: "x", Model: "base"}, writeAudio(t, []byte("a")), "pw")
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	data[len(data)-1] ^= 0x01
	_, _, err = Unpack(data, "pw", t.TempDir())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Unpack() error = %v, want ErrAuth", err)
	}
}

func TestUnpackTamperedSalt(t *testing.T) {
	data, err := Pack(Metadata{TaskID: "x", Model: "base"}, writeAudio(t, []byte("a")), "pw")
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	// Flipping a salt bit changes the derived key, so GCM must refuse.
	data[0] ^= 0x80
	_, _, err = Unpack(data, "pw", t.TempDir())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Unpack() error = %v, want ErrAuth", err)
	}
}

func TestUnpackTruncated(t *testing.T) {
	for _, n := range []int{0, 1, saltSize, saltSize + 11} {
		_, _, err := Unpack(make([]byte, n), "pw", t.TempDir())
		var fmtErr *FormatError
		if !errors.As(err, &fmtErr) {
			t.Errorf("Unpack(%d bytes) error = %v, want *FormatError", n, err)
		}
	}
}

// sealArchive encrypts an arbitrary zip the way Pack does, so malformed
// member sets can be exercised.
func sealArchive(t *testing.T, password string, build func(*zip.Writer)) []byte {
	t.Helper()
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	build(zw)
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		t.Fatalf("salt: %v", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		t.Fatalf("newGCM: %v", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	out := append([]byte{}, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, archive.Bytes(), nil)
}

func addMember(t *testing.T, zw *zip.Writer, name string, data []byte) {
	t.Helper()
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestUnpackMissingMetadata(t *testing.T) {
	data := sealArchive(t, "pw", func(zw *zip.Writer) {
		addMember(t, zw, AudioName, []byte("a"))
	})
	_, _, err := Unpack(data, "pw", t.TempDir())
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("Unpack() error = %v, want *SchemaError", err)
	}
}

func TestUnpackMissingAudio(t *testing.T) {
	data := sealArchive(t, "pw", func(zw *zip.Writer) {
		addMember(t, zw, MetadataName, []byte(`{"task_id":"x","model":"base","version":"1"}`))
	})
	_, _, err := Unpack(data, "pw", t.TempDir())
	var fmtErr *FormatError
	if !errors.As(err, &fmtErr) {
		t.Fatalf("Unpack() error = %v, want *FormatError", err)
	}
}

func TestUnpackUnexpectedMember(t *testing.T) {
	data := sealArchive(t, "pw", func(zw *zip.Writer) {
		addMember(t, zw, MetadataName, []byte(`{"task_id":"x","model":"base","version":"1"}`))
		addMember(t, zw, AudioName, []byte("a"))
		addMember(t, zw, "extra.bin", []byte("b"))
	})
	_, _, err := Unpack(data, "pw", t.TempDir())
	var fmtErr *FormatError
	if !errors.As(err, &fmtErr) {
		t.Fatalf("Unpack() error = %v, want *FormatError", err)
	}
}

func TestUnpackBadMetadata(t *testing.T) {
	cases := []struct {
		name string
		meta string
	}{
		{"invalid json", `{`},
		{"empty task id", `{"task_id":"","model":"base","version":"1"}`},
		{"wrong version", `{"task_id":"x","model":"base","version":"9"}`},
		{"unknown field", `{"task_id":"x","model":"base","version":"1","bogus":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := sealArchive(t, "pw", func(zw *zip.Writer) {
				addMember(t, zw, MetadataName, []byte(tc.meta))
				addMember(t, zw, AudioName, []byte("a"))
			})
			_, _, err := Unpack(data, "pw", t.TempDir())
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("Unpack() error = %v, want *SchemaError", err)
			}
		})
	}
}

func TestUnpackNotAnArchive(t *testing.T) {
	salt := make([]byte, saltSize)
	gcm, err := newGCM("pw", salt)
	if err != nil {
		t.Fatalf("newGCM: %v", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	out := append([]byte{}, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte("this is not a zip"), nil)

	_, _, err = Unpack(out, "pw", t.TempDir())
	var fmtErr *FormatError
	if !errors.As(err, &fmtErr) {
		t.Fatalf("Unpack() error = %v, want *FormatError", err)
	}
}
