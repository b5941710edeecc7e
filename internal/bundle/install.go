package bundle

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/linnemanlabs-ota/internal/archive"
	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

type InstallOptions struct {
	// ExpectedHash, when set, must equal the archive's content hash.
	ExpectedHash string

	// Signature is a detached signature over the hex content hash.
	Signature []byte

	// Source labels the install in logs and metrics. Defaults to "local".
	Source string
}

type InstallResult struct {
	Hash         string        `json:"hash"`
	PreviousHash string        `json:"previous_hash,omitempty"`
	EntryPath    string        `json:"entry_path"`
	Duration     time.Duration `json:"duration"`
}

// Install imports an archive, verifies it, extracts it over the active root
// and records it as valid for the current application version. On failure
// the previous record is left untouched and the new blob is discarded.
func (m *Manager) Install(ctx context.Context, archivePath string, opts InstallOptions) (res InstallResult, err error) {
	ctx, span := m.tracer.Start(ctx, "bundle.Install")
	defer func() { endSpan(span, err) }()

	start := time.Now()
	source := opts.Source
	if source == "" {
		source = "local"
	}
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.observeInstall(source, result, start)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, hasPrev, err := loadRecord(m.store)
	if err != nil {
		return InstallResult{}, err
	}

	hash, err := m.repo.Import(archivePath)
	if err != nil {
		return InstallResult{}, xerrors.Wrap(err, "install")
	}
	span.SetAttributes(attribute.String("bundle.hash", hash))

	// keep the blob if it is the one already installed
	keep := hasPrev && cryptoutil.HashEqual(prev.Hash, hash)
	fail := func(err error) (InstallResult, error) {
		if !keep {
			m.discard(ctx, hash)
		}
		m.logger.Error(ctx, err, "bundle install failed",
			"hash", truncHash(hash),
			"source", source,
		)
		return InstallResult{}, err
	}

	if opts.ExpectedHash != "" {
		want := strings.ToLower(strings.TrimSpace(opts.ExpectedHash))
		if !cryptoutil.HashEqual(want, hash) {
			return fail(xerrors.Mark(xerrors.Newf("checksum mismatch: expected %s, got %s", want, hash), xerrors.ErrIntegrity))
		}
	}

	if err := m.verify(ctx, hash, opts.Signature); err != nil {
		return fail(err)
	}

	if err := m.extractAndCommit(ctx, hash); err != nil {
		if hasPrev && !keep && errors.Is(err, errPartialPromote) {
			m.restore(ctx, prev)
		}
		return fail(xerrors.Wrapf(err, "install bundle %s", truncHash(hash)))
	}

	res = InstallResult{
		Hash:      hash,
		EntryPath: m.repo.ExtractedEntryPath(),
	}
	if hasPrev && !keep {
		res.PreviousHash = prev.Hash
		if err := m.repo.Remove(prev.Hash); err != nil {
			m.logger.Warn(ctx, "failed to remove superseded bundle blob",
				"hash", truncHash(prev.Hash),
				"error", err,
			)
		}
	}

	m.setState(ctx, StateCachedBundle, hash)
	res.Duration = time.Since(start)

	m.logger.Info(ctx, "installed bundle",
		"hash", truncHash(hash),
		"previous_hash", truncHash(res.PreviousHash),
		"source", source,
		"duration", res.Duration.String(),
	)
	return res, nil
}

// verify checks the signature when one is supplied or required.
func (m *Manager) verify(ctx context.Context, hash string, sig []byte) error {
	if len(sig) == 0 {
		if m.cfg.RequireSignature {
			return xerrors.Mark(xerrors.New("bundle signature required but not provided"), xerrors.ErrIntegrity)
		}
		return nil
	}
	if m.verifier == nil {
		return xerrors.Mark(xerrors.New("bundle is signed but no verifier is configured"), xerrors.ErrIntegrity)
	}
	return m.verifier.VerifyDigest(ctx, hash, sig)
}

// Extract is generic extraction for ad hoc use. An empty passphrase falls
// back to the configured one. dest may not overlap the bundle root: the
// repository owns every file there.
func (m *Manager) Extract(ctx context.Context, archivePath, dest string, mode archive.Mode, passphrase string) error {
	if overlapsRoot(m.repo.Root(), dest) {
		return xerrors.Mark(xerrors.Newf("extraction destination %s overlaps the bundle root", dest), xerrors.ErrInvalidArgument)
	}
	if passphrase == "" {
		passphrase = m.cfg.Passphrase
	}
	return m.extractor.Extract(ctx, archivePath, dest, mode, passphrase)
}

// Digest hashes a file with the repository's algorithm.
func (m *Manager) Digest(path string) (string, error) {
	return cryptoutil.FileDigest(m.repo.Algorithm(), path)
}

// overlapsRoot reports whether dest is root, lies below it, or contains it.
// Symlinks in the existing part of either path are resolved first.
func overlapsRoot(root, dest string) bool {
	r, d := resolvePath(root), resolvePath(dest)
	if d == filepath.Dir(d) {
		// filesystem root contains everything
		return true
	}
	return r == d || pathutil.Within(r, d) || pathutil.Within(d, r)
}

// resolvePath makes p absolute and resolves symlinks in its longest existing
// prefix. The missing tail is appended unchanged.
func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	var tail []string
	cur := abs
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}
