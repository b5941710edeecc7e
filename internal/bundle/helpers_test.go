package bundle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/linnemanlabs-ota/internal/archive"
	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/settings"
)

const testEntry = "bundle/main.jsbundle"

// makeZip builds an in-memory zip archive from name -> content.
func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func bundleZip(t *testing.T, code string) []byte {
	t.Helper()
	return makeZip(t, map[string]string{
		testEntry:         code,
		"assets/logo.png": "png-" + code,
	})
}

func sha256Hex(t *testing.T, data []byte) string {
	t.Helper()
	p := writeTemp(t, data)
	h, err := cryptoutil.FileDigest(cryptoutil.SHA256, p)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return h
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "archive-*.zip")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

type memAsset struct {
	data  []byte
	err   error
	opens int
}

func (a *memAsset) Open() (io.ReadCloser, error) {
	a.opens++
	if a.err != nil {
		return nil, a.err
	}
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

// flakyExtractor fails full extractions while failFull is set.
type flakyExtractor struct {
	inner    Extractor
	failFull bool
	calls    []archive.Mode
}

var errInjected = errors.New("injected extraction failure")

func (f *flakyExtractor) Extract(ctx context.Context, archivePath, destDir string, mode archive.Mode, passphrase string) error {
	f.calls = append(f.calls, mode)
	if f.failFull && mode.IsFull() {
		return errInjected
	}
	return f.inner.Extract(ctx, archivePath, destDir, mode, passphrase)
}

type fakeVerifier struct {
	err   error
	calls int
}

func (v *fakeVerifier) VerifyDigest(ctx context.Context, hexDigest string, sig []byte) error {
	v.calls++
	return v.err
}

type fakeMetrics struct {
	state    string
	hash     string
	installs map[string]int
}

func (m *fakeMetrics) SetBundleState(state, hash string) { m.state, m.hash = state, hash }
func (m *fakeMetrics) IncInstall(source, result string) {
	if m.installs == nil {
		m.installs = map[string]int{}
	}
	m.installs[source+"/"+result]++
}
func (m *fakeMetrics) ObserveInstallDuration(float64) {}

// fixture holds a manager over a temp root that can be "restarted" with a
// different configuration while keeping the same disk and settings.
type fixture struct {
	root      string
	store     *settings.MemStore
	repo      *Repository
	shipped   *memAsset
	extractor *flakyExtractor
	verifier  *fakeVerifier
	metrics   *fakeMetrics
}

func newFixture(t *testing.T, shipped []byte) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "files")
	repo, err := NewRepository(RepositoryOptions{Root: root, Algorithm: cryptoutil.SHA256})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return &fixture{
		root:      root,
		store:     settings.NewMemStore(),
		repo:      repo,
		shipped:   &memAsset{data: shipped},
		extractor: &flakyExtractor{inner: archive.New(archive.Options{})},
		verifier:  &fakeVerifier{},
		metrics:   &fakeMetrics{},
	}
}

func defaultConfig() Config {
	return Config{
		AppID:         "com.example.app",
		AppVersion:    "1.0",
		DefaultServer: "https://ota.example.com",
		UseBundle:     true,
	}
}

func (f *fixture) manager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, Options{
		Store:      f.store,
		Repository: f.repo,
		Extractor:  f.extractor,
		Shipped:    f.shipped,
		Verifier:   f.verifier,
		Metrics:    f.metrics,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func (f *fixture) record(t *testing.T) (Record, bool) {
	t.Helper()
	rec, ok, err := loadRecord(f.store)
	if err != nil {
		t.Fatalf("loadRecord: %v", err)
	}
	return rec, ok
}

func readString(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

// listRoot returns the names directly under the root.
func listRoot(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
