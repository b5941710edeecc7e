// Package shipped provides the bundle archive packaged with the application.
package shipped

import (
	"bytes"
	_ "embed"
	"io"
	"os"
)

//go:embed default.zip
var defaultArchive []byte

// Asset is a read-only bundle archive opened once during a fresh install.
type Asset struct {
	path string
}

// Embedded returns the archive compiled into the binary.
func Embedded() Asset { return Asset{} }

// File returns an asset backed by an archive on disk, for packaging
// pipelines that drop the archive next to the binary.
func File(path string) Asset { return Asset{path: path} }

// Open returns a fresh reader over the archive bytes.
func (a Asset) Open() (io.ReadCloser, error) {
	if a.path == "" {
		return io.NopCloser(bytes.NewReader(defaultArchive)), nil
	}
	return os.Open(a.path)
}

// Name describes the asset for logs.
func (a Asset) Name() string {
	if a.path == "" {
		return "embedded"
	}
	return a.path
}
