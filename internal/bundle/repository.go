package bundle

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// DefaultEntryName is the runtime-loadable file inside a bundle archive.
const DefaultEntryName = "bundle/main.jsbundle"

type RepositoryOptions struct {
	Logger log.Logger

	// Root is the private storage root. Created if missing.
	Root string

	// Algorithm names blobs. Empty selects cryptoutil.DefaultAlgorithm.
	Algorithm cryptoutil.Algorithm

	// EntryName is the archive-relative path of the runtime entry file.
	EntryName string
}

// Repository owns the on-disk layout under the storage root: archive blobs
// at <root>/<hash> and the extracted entry at <root>/<entry name>.
type Repository struct {
	root   string
	alg    cryptoutil.Algorithm
	entry  string
	logger log.Logger
}

func NewRepository(opts RepositoryOptions) (*Repository, error) {
	if opts.Root == "" {
		return nil, xerrors.New("repository root is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Algorithm == "" {
		opts.Algorithm = cryptoutil.DefaultAlgorithm
	}
	if _, err := opts.Algorithm.New(); err != nil {
		return nil, err
	}
	if opts.EntryName == "" {
		opts.EntryName = DefaultEntryName
	}
	if filepath.IsAbs(opts.EntryName) || pathutil.HasDotSegments(filepath.ToSlash(opts.EntryName)) {
		return nil, xerrors.Newf("entry name %q must be a clean relative path", opts.EntryName)
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve repository root %s", opts.Root)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, xerrors.Mark(xerrors.Wrapf(err, "create repository root %s", root), xerrors.ErrIO)
	}

	return &Repository{
		root:   root,
		alg:    opts.Algorithm,
		entry:  opts.EntryName,
		logger: opts.Logger,
	}, nil
}

func (r *Repository) Root() string                    { return r.root }
func (r *Repository) Algorithm() cryptoutil.Algorithm { return r.alg }
func (r *Repository) EntryName() string               { return r.entry }

// PathForHash maps a content hash to its blob location. No I/O.
func (r *Repository) PathForHash(hash string) (string, error) {
	if !cryptoutil.ValidHash(r.alg, hash) {
		return "", xerrors.Mark(xerrors.Newf("malformed %s hash %q", r.alg, hash), xerrors.ErrInvalidHash)
	}
	return filepath.Join(r.root, hash), nil
}

// ImportFromSource copies src into a temp file in the root while hashing the
// same bytes, then renames it to PathForHash(hash). The final name is never
// visible with partial content.
func (r *Repository) ImportFromSource(src io.Reader) (string, error) {
	h, err := r.alg.New()
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(r.root, ".import-*")
	if err != nil {
		return "", xerrors.Mark(xerrors.Wrap(err, "create import temp file"), xerrors.ErrIO)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err != nil {
		return "", xerrors.Mark(xerrors.Wrap(err, "import bundle"), xerrors.ErrIO)
	}
	if err := tmp.Sync(); err != nil {
		return "", xerrors.Mark(xerrors.Wrapf(err, "sync %s", tmpPath), xerrors.ErrIO)
	}
	if err := tmp.Close(); err != nil {
		return "", xerrors.Mark(xerrors.Wrapf(err, "close %s", tmpPath), xerrors.ErrIO)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	final, err := r.PathForHash(hash)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return "", xerrors.Mark(xerrors.Wrapf(err, "rename %s to %s", filepath.Base(tmpPath), hash), xerrors.ErrIO)
	}
	ok = true
	syncDir(r.root)

	r.logger.Debug(context.Background(), "imported bundle blob",
		"hash", truncHash(hash),
		"bytes", written,
	)
	return hash, nil
}

// Import copies a local archive into the repository.
func (r *Repository) Import(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Mark(xerrors.Wrapf(err, "open archive %s", path), xerrors.ErrIO)
	}
	defer f.Close()
	return r.ImportFromSource(f)
}

// Exists reports whether a blob is present for hash.
func (r *Repository) Exists(hash string) bool {
	p, err := r.PathForHash(hash)
	if err != nil {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

// Remove deletes the blob for hash. A missing blob is not an error.
func (r *Repository) Remove(hash string) error {
	p, err := r.PathForHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Mark(xerrors.Wrapf(err, "remove blob %s", truncHash(hash)), xerrors.ErrIO)
	}
	return nil
}

// ExtractedEntryPath is where the entry file lives after a full extraction
// into the root. Not content-addressed.
func (r *Repository) ExtractedEntryPath() string {
	return filepath.Join(r.root, filepath.FromSlash(r.entry))
}

// EntryExists reports whether the extracted entry file is present.
func (r *Repository) EntryExists() bool {
	st, err := os.Stat(r.ExtractedEntryPath())
	return err == nil && st.Mode().IsRegular()
}

// PackageInfoPath is the optional bundle.info.json shipped next to the entry.
func (r *Repository) PackageInfoPath() string {
	return filepath.Join(filepath.Dir(r.ExtractedEntryPath()), packageInfoName)
}

// syncDir flushes a rename to stable storage. Best effort: some platforms
// refuse fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// newStaging creates an empty directory under the root for a full
// extraction that has not been validated yet.
func (r *Repository) newStaging() (string, error) {
	dir, err := os.MkdirTemp(r.root, ".staging-*")
	if err != nil {
		return "", xerrors.Mark(xerrors.Wrap(err, "create staging dir"), xerrors.ErrIO)
	}
	return dir, nil
}

// promote moves every file of a staging tree into the root, replacing
// existing files. Top-level names that look like hashes are refused so an
// archive can never overwrite a blob.
func (r *Repository) promote(staging string) error {
	top, err := os.ReadDir(staging)
	if err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "read staging dir %s", staging), xerrors.ErrIO)
	}
	for _, e := range top {
		if cryptoutil.ValidHash(r.alg, e.Name()) {
			return xerrors.Mark(xerrors.Newf("archive entry %s collides with blob naming", e.Name()), xerrors.ErrExtraction)
		}
	}

	return filepath.WalkDir(staging, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return xerrors.Mark(err, xerrors.ErrIO)
		}
		rel, err := filepath.Rel(staging, p)
		if err != nil || rel == "." {
			return err
		}
		target := filepath.Join(r.root, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return xerrors.Mark(xerrors.Wrapf(err, "create dir %s", target), xerrors.ErrIO)
			}
			return nil
		}
		if err := os.Rename(p, target); err != nil {
			return xerrors.Mark(xerrors.Wrapf(err, "promote %s", rel), xerrors.ErrIO)
		}
		return nil
	})
}
