package archive

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

const (
	// DefaultMaxFileSize caps a single extracted entry.
	DefaultMaxFileSize int64 = 256 << 20

	// DefaultMaxTotalSize caps the sum of all extracted entries.
	DefaultMaxTotalSize int64 = 1 << 30
)

// zipFlagEncrypted is general purpose bit 0: the entry is encrypted with
// ZipCrypto or WinZip AES.
const zipFlagEncrypted = 0x1

var (
	ErrExtraction    = xerrors.ErrExtraction
	ErrEntryNotFound = xerrors.ErrEntryNotFound
)

type Options struct {
	Logger log.Logger

	// MaxFileSize and MaxTotalSize guard against decompression bombs.
	// Zero selects the defaults.
	MaxFileSize  int64
	MaxTotalSize int64

	// TempDir receives the decrypted copy of encrypted archives.
	// Empty means the destination directory.
	TempDir string
}

// Extractor unpacks zip archives. It holds no per-call state and is safe for
// concurrent use on distinct destinations.
type Extractor struct {
	opts   Options
	logger log.Logger
}

func New(opts Options) *Extractor {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxTotalSize <= 0 {
		opts.MaxTotalSize = DefaultMaxTotalSize
	}
	return &Extractor{opts: opts, logger: opts.Logger}
}

// Extract writes the entries selected by mode from archivePath into destDir.
// A passphrase is required for encrypted archives and ignored otherwise.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string, mode Mode, passphrase string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "create destination %s", destDir), xerrors.ErrIO)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "open archive %s", archivePath), xerrors.ErrIO)
	}
	defer f.Close()

	env, err := sniffEnvelope(f)
	if err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "read archive %s", archivePath), xerrors.ErrIO)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "rewind archive %s", archivePath), xerrors.ErrIO)
	}

	src := f
	if env != envelopeNone {
		plain, cleanup, err := e.decrypt(f, env, destDir, passphrase)
		if err != nil {
			return xerrors.Wrapf(err, "archive %s", archivePath)
		}
		defer cleanup()
		src = plain
		e.logger.Debug(ctx, "decrypted archive", "archive", archivePath)
	}

	st, err := src.Stat()
	if err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "stat archive %s", archivePath), xerrors.ErrIO)
	}

	zr, err := zip.NewReader(src, st.Size())
	if err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "open zip %s", archivePath), ErrExtraction)
	}

	if mode.IsFull() {
		err = e.extractAll(ctx, zr, destDir)
	} else {
		err = e.extractOne(ctx, zr, destDir, mode.Entry())
	}
	if err != nil {
		return err
	}

	e.logger.Debug(ctx, "extracted archive",
		"archive", archivePath,
		"dest", destDir,
		"mode", mode.String(),
	)
	return nil
}

// decrypt writes the plaintext zip to a temp file and returns it opened for
// reading. The zip reader needs random access, so streaming is not an option.
func (e *Extractor) decrypt(f *os.File, env envelope, destDir, passphrase string) (*os.File, func(), error) {
	dir := e.opts.TempDir
	if dir == "" {
		dir = destDir
	}
	tmp, err := os.CreateTemp(dir, ".decrypt-*.zip")
	if err != nil {
		return nil, nil, xerrors.Mark(xerrors.Wrap(err, "create decrypt temp file"), xerrors.ErrIO)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	if err := decryptTo(tmp, f, env, passphrase); err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, xerrors.Mark(xerrors.Wrap(err, "rewind decrypted archive"), xerrors.ErrIO)
	}
	return tmp, cleanup, nil
}

func (e *Extractor) extractAll(ctx context.Context, zr *zip.Reader, destDir string) error {
	var total int64
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, err := entryName(zf.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}

		target, err := sanitizeEntryPath(destDir, name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return xerrors.Mark(xerrors.Wrapf(err, "create dir %s", target), xerrors.ErrIO)
			}
			continue
		}

		n, err := e.writeEntry(zf, name, target)
		if err != nil {
			return err
		}
		total += n
		if total > e.opts.MaxTotalSize {
			return xerrors.Mark(xerrors.Newf("total extracted size exceeds limit (%d bytes, max %d)", total, e.opts.MaxTotalSize), ErrExtraction)
		}
	}
	return nil
}

func (e *Extractor) extractOne(ctx context.Context, zr *zip.Reader, destDir, want string) error {
	wantName, err := entryName(want)
	if err != nil || wantName == "" {
		return xerrors.Mark(xerrors.Newf("invalid entry name %q", want), ErrEntryNotFound)
	}

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, err := entryName(zf.Name)
		if err != nil || name != wantName {
			continue
		}
		if zf.FileInfo().IsDir() {
			return xerrors.Mark(xerrors.Newf("entry %s is a directory", want), ErrEntryNotFound)
		}

		target, err := sanitizeEntryPath(destDir, name)
		if err != nil {
			return err
		}
		_, err = e.writeEntry(zf, name, target)
		return err
	}

	return xerrors.Mark(xerrors.Newf("entry %s not found in archive", want), ErrEntryNotFound)
}

// writeEntry streams one regular file into a temp sibling of target and
// renames it into place. Returns the number of bytes written.
func (e *Extractor) writeEntry(zf *zip.File, name, target string) (int64, error) {
	if zf.Flags&zipFlagEncrypted != 0 {
		return 0, xerrors.Mark(xerrors.Newf("entry %s uses zip-level encryption, which is not supported; seal the plain zip with a passphrase envelope instead", name), ErrExtraction)
	}
	mode := zf.Mode()
	if !mode.IsRegular() {
		return 0, xerrors.Mark(xerrors.Newf("unsupported entry type in archive: %s (mode=%s)", name, mode), ErrExtraction)
	}
	if zf.UncompressedSize64 > uint64(e.opts.MaxFileSize) {
		return 0, xerrors.Mark(xerrors.Newf("file %s exceeds max size (%d > %d)", name, zf.UncompressedSize64, e.opts.MaxFileSize), ErrExtraction)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, xerrors.Mark(xerrors.Wrapf(err, "create dir for %s", target), xerrors.ErrIO)
	}

	rc, err := zf.Open()
	if err != nil {
		return 0, xerrors.Mark(xerrors.Wrapf(err, "open entry %s", name), ErrExtraction)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".extract-*")
	if err != nil {
		return 0, xerrors.Mark(xerrors.Wrapf(err, "create temp for %s", target), xerrors.ErrIO)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := copyEntry(tmp, rc, e.opts.MaxFileSize)
	if err != nil {
		return n, xerrors.Wrapf(err, "extract %s", name)
	}
	if err := tmp.Close(); err != nil {
		return n, xerrors.Mark(xerrors.Wrapf(err, "close %s", tmpPath), xerrors.ErrIO)
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return n, xerrors.Mark(xerrors.Wrapf(err, "chmod %s", tmpPath), xerrors.ErrIO)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return n, xerrors.Mark(xerrors.Wrapf(err, "rename %s to %s", tmpPath, target), xerrors.ErrIO)
	}
	ok = true
	return n, nil
}

// copyEntry copies at most limit bytes. A short read from the entry is an
// archive problem; a failed write is a local I/O problem.
func copyEntry(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var n int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			n += int64(nr)
			if n > limit {
				return n, xerrors.Mark(xerrors.Newf("entry exceeds max size after read (limit %d)", limit), ErrExtraction)
			}
			if _, werr := dst.Write(buf[:nr]); werr != nil {
				return n, xerrors.Mark(werr, xerrors.ErrIO)
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, xerrors.Mark(rerr, ErrExtraction)
		}
	}
}

// entryName normalizes a zip entry name to a clean slash-separated relative
// path. Directory entries keep no trailing slash. "" means the archive root.
func entryName(raw string) (string, error) {
	name := strings.ReplaceAll(raw, `\`, "/")
	for strings.HasPrefix(name, "./") {
		name = name[2:]
	}
	name = strings.TrimSuffix(name, "/")
	if name == "" || name == "." {
		return "", nil
	}
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", xerrors.Mark(xerrors.Newf("absolute path in archive: %s", raw), ErrExtraction)
	}
	if pathutil.HasDotSegments(name) {
		return "", xerrors.Mark(xerrors.Newf("path traversal in archive: %s", raw), ErrExtraction)
	}
	return path.Clean(name), nil
}

// sanitizeEntryPath joins name under dst and double-checks the result stays
// inside dst.
func sanitizeEntryPath(dst, name string) (string, error) {
	target := filepath.Join(dst, filepath.FromSlash(name))
	if !pathutil.Within(dst, target) {
		return "", xerrors.Mark(xerrors.Newf("path escapes destination: %s", name), ErrExtraction)
	}
	return target, nil
}
