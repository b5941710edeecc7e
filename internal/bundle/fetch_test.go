package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
)

const (
	testSSMParam = "/ota/com.example.app/current"
	testBucket   = "ota-bundles"
	testS3Prefix = "bundles"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	keys    []string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.keys = append(f.keys, key)
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type fakeSSM struct {
	value *string
	err   error
	calls int
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: f.value}}, nil
}

func newTestS3Fetcher(t *testing.T, s3c *fakeS3, ssmc *fakeSSM) *S3Fetcher {
	t.Helper()
	f, err := NewS3Fetcher(context.Background(), S3FetcherOptions{
		SSMParam:  testSSMParam,
		S3Bucket:  testBucket,
		S3Prefix:  testS3Prefix,
		TempDir:   t.TempDir(),
		S3Client:  s3c,
		SSMClient: ssmc,
	})
	if err != nil {
		t.Fatalf("NewS3Fetcher: %v", err)
	}
	return f
}

func TestS3Fetcher_FetchCurrentBundleHash(t *testing.T) {
	hash := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		ssm     *fakeSSM
		want    string
		wantErr bool
	}{
		{"ok", &fakeSSM{value: aws.String("  " + strings.ToUpper(hash) + "\n")}, hash, false},
		{"api error", &fakeSSM{err: errors.New("throttled")}, "", true},
		{"nil value", &fakeSSM{}, "", true},
		{"malformed", &fakeSSM{value: aws.String("../../etc")}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestS3Fetcher(t, newFakeS3(), tt.ssm)
			got, err := f.FetchCurrentBundleHash(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("hash = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestS3Fetcher_Download(t *testing.T) {
	data := bundleZip(t, "v2")
	hash := sha256Hex(t, data)
	s3c := newFakeS3()
	s3c.objects[testS3Prefix+"/"+hash+".zip"] = data
	f := newTestS3Fetcher(t, s3c, &fakeSSM{})

	path, err := f.Download(context.Background(), hash)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer os.Remove(path)
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded bytes differ")
	}
}

func TestS3Fetcher_DownloadChecksumMismatch(t *testing.T) {
	hash := strings.Repeat("cd", 32)
	s3c := newFakeS3()
	s3c.objects[testS3Prefix+"/"+hash+".zip"] = []byte("tampered")
	dir := t.TempDir()
	f := newTestS3Fetcher(t, s3c, &fakeSSM{})
	f.opts.TempDir = dir

	if _, err := f.Download(context.Background(), hash); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatal("temp file left after checksum mismatch")
	}
}

func TestS3Fetcher_DownloadTooLarge(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 2048)
	hash := sha256Hex(t, data)
	s3c := newFakeS3()
	s3c.objects[hash+".zip"] = data
	f := newTestS3Fetcher(t, s3c, &fakeSSM{})
	f.opts.S3Prefix = ""
	f.opts.MaxSize = 1024

	if _, err := f.Download(context.Background(), hash); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestS3Fetcher_S3Key(t *testing.T) {
	f := &S3Fetcher{opts: S3FetcherOptions{S3Prefix: "bundles/"}}
	if got := f.s3Key("abc"); got != "bundles/abc.zip" {
		t.Fatalf("s3Key = %q", got)
	}
	f.opts.S3Prefix = ""
	if got := f.s3Key("abc"); got != "abc.zip" {
		t.Fatalf("s3Key = %q", got)
	}
}

func TestNewS3Fetcher_Validation(t *testing.T) {
	if _, err := NewS3Fetcher(context.Background(), S3FetcherOptions{S3Bucket: "b"}); err == nil {
		t.Fatal("expected error without SSMParam")
	}
	if _, err := NewS3Fetcher(context.Background(), S3FetcherOptions{SSMParam: "p"}); err == nil {
		t.Fatal("expected error without S3Bucket")
	}
}

// staticSource is a fixed ServerSource.
type staticSource struct{ url, params string }

func (s staticSource) DownloadURL() (string, error) { return s.url, nil }
func (s staticSource) Params() string               { return s.params }

func TestSignParams(t *testing.T) {
	params := "/index.bundle?platform=android&dev=false&appId=com.example.app&app_ver=1.0"
	a := signParams(params, "pw", "1700000000000")
	b := signParams(params, "pw", "1700000000000")
	if a != b {
		t.Fatal("signature must be deterministic")
	}
	if a == signParams(params, "pw", "1700000000001") {
		t.Fatal("signature must depend on the timestamp")
	}
	if a == signParams(params, "other", "1700000000000") {
		t.Fatal("signature must depend on the passphrase")
	}
	// 32-byte MAC is 44 base64 chars with one '=' of padding, which is dropped
	if len(a) != 43 || strings.Contains(a, "=") {
		t.Fatalf("signature = %q", a)
	}
}

func TestHTTPFetcher(t *testing.T) {
	data := bundleZip(t, "v3")
	hash := sha256Hex(t, data)
	params := "/index.bundle?platform=android&dev=false&appId=com.example.app&app_ver=1.0"
	now := time.UnixMilli(1700000000000)

	var gotQueries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/index.bundle" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		gotQueries = append(gotQueries, r.URL.RawQuery)
		if r.Header.Get("Content-Type") == "ping" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"hash": hash, "size": len(data)})
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(HTTPFetcherOptions{
		Source:     staticSource{url: srv.URL, params: params},
		Passphrase: "pw",
		TempDir:    t.TempDir(),
		HTTPClient: srv.Client(),
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}

	got, err := f.FetchCurrentBundleHash(context.Background())
	if err != nil || got != hash {
		t.Fatalf("FetchCurrentBundleHash = %q, %v", got, err)
	}

	path, err := f.Download(context.Background(), hash)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer os.Remove(path)
	if b, _ := os.ReadFile(path); !bytes.Equal(b, data) {
		t.Fatal("downloaded bytes differ")
	}

	if len(gotQueries) != 2 {
		t.Fatalf("server saw %d requests", len(gotQueries))
	}
	wantQuery := strings.SplitN(params, "?", 2)[1] +
		"&hmac=" + signParams(params, "pw", "1700000000000") + "&t=1700000000000"
	for i, q := range gotQueries {
		if q != wantQuery {
			t.Fatalf("request %d query = %q, want %q", i, q, wantQuery)
		}
	}
}

func TestHTTPFetcher_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") == "ping" {
			_, _ = w.Write([]byte(`{"hash":"","size":0}`))
			return
		}
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(HTTPFetcherOptions{
		Source:     staticSource{url: srv.URL, params: "/index.bundle?platform=android"},
		TempDir:    t.TempDir(),
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.FetchCurrentBundleHash(context.Background())
	if err != nil || got != "" {
		t.Fatalf("empty server hash = %q, %v, want no bundle", got, err)
	}
	if _, err := f.Download(context.Background(), strings.Repeat("ef", 32)); err == nil {
		t.Fatal("expected error on 404")
	}
	if _, err := f.Download(context.Background(), "nope"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}

	noServer, _ := NewHTTPFetcher(HTTPFetcherOptions{Source: staticSource{}, Algorithm: cryptoutil.MD5})
	if _, err := noServer.FetchCurrentBundleHash(context.Background()); err == nil {
		t.Fatal("expected error without a server url")
	}
}
