package bundle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// ServerSource supplies the bundle server URL and query parameters.
// Satisfied by *Manager.
type ServerSource interface {
	DownloadURL() (string, error)
	Params() string
}

type HTTPFetcherOptions struct {
	Logger log.Logger
	Source ServerSource

	// Passphrase keys the request HMAC.
	Passphrase string

	Algorithm cryptoutil.Algorithm
	TempDir   string
	MaxSize   int64
	Timeout   time.Duration

	// UserAgent defaults to "otactl".
	UserAgent string

	// HTTPClient overrides the underlying transport. Tests only.
	HTTPClient *http.Client
	Now        func() time.Time
}

// HTTPFetcher talks to a bundle server: a POST with Content-Type "ping"
// returns {"hash","size"}, a plain POST to the same URL streams the archive.
type HTTPFetcher struct {
	opts   HTTPFetcherOptions
	client *resty.Client
	logger log.Logger
}

type checkResponse struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

func NewHTTPFetcher(opts HTTPFetcherOptions) (*HTTPFetcher, error) {
	if opts.Source == nil {
		return nil, xerrors.New("server source is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Algorithm == "" {
		opts.Algorithm = cryptoutil.DefaultAlgorithm
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxDownloadSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "otactl"
	}

	var c *resty.Client
	if opts.HTTPClient != nil {
		c = resty.NewWithClient(opts.HTTPClient)
	} else {
		c = resty.New()
	}
	c.SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent)

	return &HTTPFetcher{opts: opts, client: c, logger: opts.Logger}, nil
}

// signedURL appends the time-bound HMAC the bundle server checks.
func (f *HTTPFetcher) signedURL() (string, error) {
	base, err := f.opts.Source.DownloadURL()
	if err != nil {
		return "", err
	}
	if base == "" {
		return "", xerrors.New("no bundle server configured")
	}
	params := f.opts.Source.Params()
	t := strconv.FormatInt(f.opts.Now().UnixMilli(), 10)
	return strings.TrimSuffix(base, "/") + params + "&hmac=" + signParams(params, f.opts.Passphrase, t) + "&t=" + t, nil
}

// signParams is base64(HMAC-SHA256(key=passphrase+"+"+t, params+"+"+t)) with
// the first padding character dropped, as the bundle server expects.
func signParams(params, passphrase, t string) string {
	mac := hmac.New(sha256.New, []byte(passphrase+"+"+t))
	mac.Write([]byte(params + "+" + t))
	return strings.Replace(base64.StdEncoding.EncodeToString(mac.Sum(nil)), "=", "", 1)
}

// FetchCurrentBundleHash asks the server for the published bundle.
func (f *HTTPFetcher) FetchCurrentBundleHash(ctx context.Context) (string, error) {
	u, err := f.signedURL()
	if err != nil {
		return "", err
	}

	var body checkResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "ping").
		SetResult(&body).
		ForceContentType("application/json").
		Post(u)
	if err != nil {
		return "", xerrors.Wrap(err, "check bundle server")
	}
	if resp.IsError() {
		return "", xerrors.Newf("check bundle server: status %d", resp.StatusCode())
	}

	hash := strings.ToLower(strings.TrimSpace(body.Hash))
	if hash == "" {
		return "", nil
	}
	if !cryptoutil.ValidHash(f.opts.Algorithm, hash) {
		return "", xerrors.Mark(xerrors.Newf("bundle server returned a malformed hash %q", body.Hash), xerrors.ErrInvalidHash)
	}
	f.logger.Debug(ctx, "bundle server check", "hash", truncHash(hash), "size", body.Size)
	return hash, nil
}

// Download streams the archive into a temp file and verifies it against hash.
func (f *HTTPFetcher) Download(ctx context.Context, hash string) (string, error) {
	if !cryptoutil.ValidHash(f.opts.Algorithm, hash) {
		return "", xerrors.Mark(xerrors.Newf("malformed hash %q", hash), xerrors.ErrInvalidHash)
	}
	u, err := f.signedURL()
	if err != nil {
		return "", err
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Post(u)
	if err != nil {
		return "", xerrors.Wrap(err, "download bundle")
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return "", xerrors.Newf("download bundle: status %d", resp.StatusCode())
	}

	path, written, err := copyWithHash(body, f.opts.Algorithm, f.opts.TempDir, f.opts.MaxSize, hash)
	if err != nil {
		return "", err
	}
	f.logger.Info(ctx, "downloaded bundle", "bytes", written, "hash", truncHash(hash))
	return path, nil
}
