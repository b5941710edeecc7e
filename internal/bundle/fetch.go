package bundle

import (
	"context"
	"encoding/hex"
	"io"
	"os"

	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// DefaultMaxDownloadSize caps a downloaded archive.
const DefaultMaxDownloadSize int64 = 512 << 20

// Fetcher locates and downloads newer bundle archives.
type Fetcher interface {
	// FetchCurrentBundleHash returns the hash of the bundle that should be
	// installed. "" with a nil error means nothing is published.
	FetchCurrentBundleHash(ctx context.Context) (string, error)

	// Download saves the archive for hash to a local temp file, verified
	// against hash. The caller removes the file.
	Download(ctx context.Context, hash string) (string, error)
}

// copyWithHash streams src into a new temp file in dir while hashing the same
// bytes, then checks the digest against want. Returns the temp file path.
func copyWithHash(src io.Reader, alg cryptoutil.Algorithm, dir string, maxSize int64, want string) (string, int64, error) {
	h, err := alg.New()
	if err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(dir, "bundle-download-*.zip")
	if err != nil {
		return "", 0, xerrors.Mark(xerrors.Wrap(err, "create temp file"), xerrors.ErrIO)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(src, maxSize+1))
	cerr := tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", written, xerrors.Mark(xerrors.Wrap(err, "download bundle"), xerrors.ErrIO)
	}
	if cerr != nil {
		os.Remove(tmpPath)
		return "", written, xerrors.Mark(xerrors.Wrap(cerr, "close download"), xerrors.ErrIO)
	}
	if written > maxSize {
		os.Remove(tmpPath)
		return "", written, xerrors.Newf("bundle exceeds max size (limit %d bytes)", maxSize)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !cryptoutil.HashEqual(got, want) {
		os.Remove(tmpPath)
		return "", written, xerrors.Mark(xerrors.Newf("checksum mismatch: expected %s, got %s", want, got), xerrors.ErrIntegrity)
	}
	return tmpPath, written, nil
}
