package bundle

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
)

func newTestRepo(t *testing.T, alg cryptoutil.Algorithm) *Repository {
	t.Helper()
	r, err := NewRepository(RepositoryOptions{Root: t.TempDir(), Algorithm: alg})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return r
}

func TestRepository_ContentAddressing(t *testing.T) {
	streams := [][]byte{
		nil,
		[]byte("a"),
		[]byte("bundle contents"),
		bytes.Repeat([]byte{0, 1, 2, 3, 0xff}, 200_000),
	}

	for _, alg := range []cryptoutil.Algorithm{cryptoutil.MD5, cryptoutil.SHA256, cryptoutil.BLAKE3} {
		t.Run(string(alg), func(t *testing.T) {
			r := newTestRepo(t, alg)
			for i, s := range streams {
				hash, err := r.ImportFromSource(bytes.NewReader(s))
				if err != nil {
					t.Fatalf("stream %d: ImportFromSource: %v", i, err)
				}
				p, err := r.PathForHash(hash)
				if err != nil {
					t.Fatalf("PathForHash: %v", err)
				}
				got, err := cryptoutil.FileDigest(alg, p)
				if err != nil {
					t.Fatalf("FileDigest: %v", err)
				}
				if got != hash {
					t.Fatalf("stream %d: digest(pathForHash(%s)) = %s", i, hash, got)
				}
				if !r.Exists(hash) {
					t.Fatalf("stream %d: Exists = false after import", i)
				}
			}
		})
	}
}

func TestRepository_ImportIsIdempotent(t *testing.T) {
	r := newTestRepo(t, cryptoutil.SHA256)
	h1, err := r.ImportFromSource(strings.NewReader("same"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.ImportFromSource(strings.NewReader("same"))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hashes differ: %s vs %s", h1, h2)
	}
	if names := listRoot(t, r.Root()); len(names) != 1 || names[0] != h1 {
		t.Fatalf("root = %v, want only %s", names, h1)
	}
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, errors.New("disk on fire")
	}
	k := copy(p, bytes.Repeat([]byte("x"), min(len(p), f.n)))
	f.n -= k
	return k, nil
}

func TestRepository_ImportFailureLeavesNothing(t *testing.T) {
	r := newTestRepo(t, cryptoutil.SHA256)

	_, err := r.ImportFromSource(&failingReader{n: 4096})
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if names := listRoot(t, r.Root()); len(names) != 0 {
		t.Fatalf("root not empty after failed import: %v", names)
	}
}

func TestRepository_Import(t *testing.T) {
	r := newTestRepo(t, cryptoutil.SHA256)
	data := []byte("archive bytes")

	hash, err := r.Import(writeTemp(t, data))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if hash != sha256Hex(t, data) {
		t.Fatal("hash mismatch")
	}

	if _, err := r.Import(filepath.Join(t.TempDir(), "missing.zip")); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO for missing archive, got %v", err)
	}
}

func TestRepository_PathForHash(t *testing.T) {
	r := newTestRepo(t, cryptoutil.SHA256)
	good := strings.Repeat("a1", 32)

	p, err := r.PathForHash(good)
	if err != nil {
		t.Fatalf("PathForHash: %v", err)
	}
	if p != filepath.Join(r.Root(), good) {
		t.Fatalf("path = %s", p)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatal("PathForHash must not create files")
	}

	for _, bad := range []string{"", "abcd1234", "../" + good[3:], strings.ToUpper(good), "bundle"} {
		if _, err := r.PathForHash(bad); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("PathForHash(%q): expected ErrInvalidHash, got %v", bad, err)
		}
	}
}

func TestRepository_Remove(t *testing.T) {
	r := newTestRepo(t, cryptoutil.SHA256)
	hash, err := r.ImportFromSource(strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Remove(hash); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Exists(hash) {
		t.Fatal("blob still exists")
	}
	if err := r.Remove(hash); err != nil {
		t.Fatalf("Remove absent should be a no-op, got %v", err)
	}
}

func TestRepository_EntryPath(t *testing.T) {
	r := newTestRepo(t, cryptoutil.SHA256)
	want := filepath.Join(r.Root(), "bundle", "main.jsbundle")
	if r.ExtractedEntryPath() != want {
		t.Fatalf("ExtractedEntryPath = %s, want %s", r.ExtractedEntryPath(), want)
	}
	if r.EntryExists() {
		t.Fatal("EntryExists on empty root")
	}
	if err := os.MkdirAll(filepath.Dir(want), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(want, []byte("code"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !r.EntryExists() {
		t.Fatal("EntryExists = false after write")
	}
}

func TestNewRepository_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts RepositoryOptions
	}{
		{"no root", RepositoryOptions{}},
		{"bad algorithm", RepositoryOptions{Root: t.TempDir(), Algorithm: "crc32"}},
		{"escaping entry", RepositoryOptions{Root: t.TempDir(), EntryName: "../main.jsbundle"}},
		{"absolute entry", RepositoryOptions{Root: t.TempDir(), EntryName: "/main.jsbundle"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRepository(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := NewRepository(RepositoryOptions{Root: t.TempDir(), Algorithm: "crc32"}); !errors.Is(err, ErrHashAlgorithmUnavailable) {
		t.Fatalf("expected ErrHashAlgorithmUnavailable, got %v", err)
	}
}

func TestRepository_PromoteRefusesHashNamedEntries(t *testing.T) {
	r := newTestRepo(t, cryptoutil.SHA256)
	staging, err := r.newStaging()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(staging, strings.Repeat("ab", 32)), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.promote(staging); !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}
