package bridgehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/linnemanlabs-ota/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/settings"
)

const entry = "bundle/main.jsbundle"

type bytesAsset []byte

func (a bytesAsset) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(a)), nil
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upload.zip")
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

// newTestRouter returns a router over an initialized manager whose shipped
// bundle has been installed.
func newTestRouter(t *testing.T) (*chi.Mux, *bundle.Manager) {
	t.Helper()
	repo, err := bundle.NewRepository(bundle.RepositoryOptions{
		Root:      filepath.Join(t.TempDir(), "files"),
		Algorithm: cryptoutil.SHA256,
	})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	m, err := bundle.NewManager(bundle.Config{
		AppID:         "com.example.app",
		AppVersion:    "1.0",
		DefaultServer: "https://ota.example.com",
		UseBundle:     true,
	}, bundle.Options{
		Store:      settings.NewMemStore(),
		Repository: repo,
		Shipped:    bytesAsset(makeZip(t, map[string]string{entry: "shipped"})),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	r := chi.NewRouter()
	NewAPI(m, log.Nop()).RegisterRoutes(r)
	return r, m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandleInfo(t *testing.T) {
	r, m := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/v1/info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
	info := decodeBody[bundle.Info](t, rec)
	if info.State != "fresh_install" {
		t.Fatalf("state = %q, want fresh_install", info.State)
	}
	if info.ActiveHash != m.ActiveHash() || info.ActiveHash == "" {
		t.Fatalf("active_hash = %q, want %q", info.ActiveHash, m.ActiveHash())
	}
	if info.Algorithm != "sha256" {
		t.Fatalf("algorithm = %q", info.Algorithm)
	}
	if !strings.Contains(info.Params, "appId=com.example.app") {
		t.Fatalf("params = %q", info.Params)
	}
}

func TestHandleEntryPoint(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/v1/entrypoint", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[EntryPointResponse](t, rec)
	if got.Embedded {
		t.Fatal("embedded = true, want bundle entry")
	}
	if !strings.HasSuffix(got.Path, filepath.FromSlash(entry)) {
		t.Fatalf("path = %q", got.Path)
	}
	if got.State != "fresh_install" {
		t.Fatalf("state = %q", got.State)
	}
}

func TestHandleHash_GetAndSet(t *testing.T) {
	r, m := newTestRouter(t)

	got := decodeBody[HashResponse](t, do(t, r, http.MethodGet, "/v1/hash", ""))
	if !got.Valid || got.Hash != m.ActiveHash() {
		t.Fatalf("GET hash = %+v, want valid %s", got, m.ActiveHash())
	}

	rec := do(t, r, http.MethodPut, "/v1/hash", `{"hash":"not-hex"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed hash status = %d, want 400", rec.Code)
	}
	if e := decodeBody[errorResponse](t, rec); e.Kind != "invalid content hash" {
		t.Fatalf("kind = %q", e.Kind)
	}

	h := strings.Repeat("AB", 32)
	rec = do(t, r, http.MethodPut, "/v1/hash", `{"hash":"`+h+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set hash status = %d: %s", rec.Code, rec.Body.String())
	}
	// blob for the new hash is not on disk, so it is not reported valid
	got = decodeBody[HashResponse](t, do(t, r, http.MethodGet, "/v1/hash", ""))
	if got.Valid {
		t.Fatalf("GET hash after external set = %+v, want invalid", got)
	}
}

func TestHandleToggles(t *testing.T) {
	r, m := newTestRouter(t)

	got := decodeBody[ToggleResponse](t, do(t, r, http.MethodGet, "/v1/toggles/use_bundle", ""))
	if !got.Enabled {
		t.Fatal("use_bundle default should be true")
	}

	rec := do(t, r, http.MethodPut, "/v1/toggles/use_download", `{"enabled":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if v, _ := m.UseDownload(); !v {
		t.Fatal("use_download not persisted")
	}

	if rec := do(t, r, http.MethodPut, "/v1/toggles/use_bundle", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing enabled status = %d, want 400", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/v1/toggles/other", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown toggle status = %d, want 404", rec.Code)
	}
}

func TestHandleDownloadURL(t *testing.T) {
	r, _ := newTestRouter(t)

	got := decodeBody[DownloadURLResponse](t, do(t, r, http.MethodGet, "/v1/download-url", ""))
	if got.URL != "https://ota.example.com" {
		t.Fatalf("default url = %q", got.URL)
	}

	got = decodeBody[DownloadURLResponse](t, do(t, r, http.MethodPut, "/v1/download-url", `{"url":"https://mirror.example.com"}`))
	if got.URL != "https://mirror.example.com" {
		t.Fatalf("url after set = %q", got.URL)
	}

	if rec := do(t, r, http.MethodPut, "/v1/download-url", `{"url":"ftp://x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad url status = %d, want 400", rec.Code)
	}

	got = decodeBody[DownloadURLResponse](t, do(t, r, http.MethodPut, "/v1/download-url", `{"url":""}`))
	if got.URL != "https://ota.example.com" {
		t.Fatalf("url after clear = %q, want default", got.URL)
	}
}

func TestHandleInstall(t *testing.T) {
	r, m := newTestRouter(t)
	prev := m.ActiveHash()

	data := makeZip(t, map[string]string{entry: "v2"})
	path := writeFile(t, data)

	rec := do(t, r, http.MethodPost, "/v1/install", `{"path":"`+path+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[bundle.InstallResult](t, rec)
	if res.PreviousHash != prev {
		t.Fatalf("previous_hash = %q, want %q", res.PreviousHash, prev)
	}
	if m.ActiveHash() != res.Hash {
		t.Fatalf("active hash = %q, want %q", m.ActiveHash(), res.Hash)
	}
	b, err := os.ReadFile(res.EntryPath)
	if err != nil || string(b) != "v2" {
		t.Fatalf("entry = %q, %v", b, err)
	}
}

func TestHandlePackageInfo(t *testing.T) {
	r, m := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/v1/package-info", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "null" {
		t.Fatalf("without info: %d %q", rec.Code, rec.Body.String())
	}

	data := makeZip(t, map[string]string{
		entry:                     "v2",
		"bundle/bundle.info.json": `{"version": "2.0.1"}`,
	})
	if _, err := m.Install(context.Background(), writeFile(t, data), bundle.InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	rec = do(t, r, http.MethodGet, "/v1/package-info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[map[string]string](t, rec)
	if got["version"] != "2.0.1" {
		t.Fatalf("body = %v", got)
	}
}

func TestHandleInstall_Errors(t *testing.T) {
	r, m := newTestRouter(t)
	prev := m.ActiveHash()
	good := writeFile(t, makeZip(t, map[string]string{entry: "v2"}))
	noEntry := writeFile(t, makeZip(t, map[string]string{"other.js": "x"}))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"unknown field", `{"path":"x","bogus":1}`, http.StatusBadRequest},
		{"missing path", `{}`, http.StatusBadRequest},
		{"checksum mismatch", `{"path":"` + good + `","expected_hash":"` + strings.Repeat("0", 64) + `"}`, http.StatusUnprocessableEntity},
		{"missing entry", `{"path":"` + noEntry + `"}`, http.StatusNotFound},
		{"missing file", `{"path":"` + filepath.Join(t.TempDir(), "nope.zip") + `"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/v1/install", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if m.ActiveHash() != prev {
				t.Fatal("active hash changed after failed install")
			}
		})
	}
}

func TestHandleExtract(t *testing.T) {
	r, _ := newTestRouter(t)
	src := writeFile(t, makeZip(t, map[string]string{entry: "code", "assets/a.txt": "a"}))

	dest := t.TempDir()
	rec := do(t, r, http.MethodPost, "/v1/extract", `{"path":"`+src+`","dest":"`+dest+`","entry":"`+entry+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[ExtractResponse](t, rec); got.Mode != "single:"+entry {
		t.Fatalf("mode = %q", got.Mode)
	}
	if _, err := os.Stat(filepath.Join(dest, "assets", "a.txt")); !os.IsNotExist(err) {
		t.Fatal("single entry extraction wrote other entries")
	}

	rec = do(t, r, http.MethodPost, "/v1/extract", `{"path":"`+src+`","dest":"`+dest+`","entry":"missing.js"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing entry status = %d, want 404", rec.Code)
	}

	if rec := do(t, r, http.MethodPost, "/v1/extract", `{"path":"`+src+`"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing dest status = %d, want 400", rec.Code)
	}
}

func TestHandleExtract_RefusesBundleRoot(t *testing.T) {
	r, m := newTestRouter(t)
	info, err := m.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	src := writeFile(t, makeZip(t, map[string]string{entry: "EVIL"}))

	rec := do(t, r, http.MethodPost, "/v1/extract", `{"path":"`+src+`","dest":"`+info.Path+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[errorResponse](t, rec); got.Kind != "invalid argument" {
		t.Fatalf("kind = %q", got.Kind)
	}
	path, ok := m.ResolveEntryPoint()
	if !ok {
		t.Fatal("entry point should still resolve")
	}
	if b, err := os.ReadFile(path); err != nil || string(b) != "shipped" {
		t.Fatalf("entry = %q, %v", b, err)
	}
}

func TestHandleDigest(t *testing.T) {
	r, _ := newTestRouter(t)
	p := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(p, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}

	rec := do(t, r, http.MethodPost, "/v1/digest", `{"path":"`+p+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[DigestResponse](t, rec)
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got.Hash != want || got.Algorithm != "sha256" {
		t.Fatalf("digest = %+v, want %s", got, want)
	}
}

func TestWriteJSON_NoStore(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := do(t, r, http.MethodGet, "/v1/info", "")
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q", cc)
	}
}

func TestRegisterRoutes_MethodNotAllowed(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := do(t, r, http.MethodDelete, "/v1/hash", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
