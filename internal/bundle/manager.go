package bundle

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-ota/internal/archive"
	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/settings"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/linnemanlabs-ota/internal/bundle"

// State is the manager's logical startup decision.
type State int

const (
	// StateNoBundle means run the code embedded in the application package.
	StateNoBundle State = iota
	// StateCachedBundle means a previously installed bundle is still valid.
	StateCachedBundle
	// StateFreshInstall means the shipped bundle was installed this startup.
	StateFreshInstall
)

func (s State) String() string {
	switch s {
	case StateNoBundle:
		return "no_bundle"
	case StateCachedBundle:
		return "cached_bundle"
	case StateFreshInstall:
		return "fresh_install"
	default:
		return "unknown"
	}
}

// Config is owned by the caller and fixed for the manager's lifetime.
type Config struct {
	AppID      string
	AppVersion string

	// DefaultServer is the bundle server URL used when no override is stored.
	DefaultServer string

	// Passphrase unlocks encrypted archives. Empty means unencrypted only.
	Passphrase string

	Debug    bool
	Platform string

	// UseBundle and UseDownload are the defaults for the persisted toggles.
	UseBundle   bool
	UseDownload bool

	// RequireSignature rejects installs that carry no signature.
	RequireSignature bool
}

// Extractor unpacks archives. Satisfied by *archive.Extractor.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string, mode archive.Mode, passphrase string) error
}

// Asset is the bundle archive shipped inside the application package.
type Asset interface {
	Open() (io.ReadCloser, error)
}

// Verifier checks a detached signature over a content hash.
// Satisfied by *cryptoutil.KMSVerifier.
type Verifier interface {
	VerifyDigest(ctx context.Context, hexDigest string, signature []byte) error
}

// Metrics is implemented by the metrics package to observe lifecycle events.
type Metrics interface {
	SetBundleState(state string, hash string)
	IncInstall(source, result string)
	ObserveInstallDuration(seconds float64)
}

type Options struct {
	Logger     log.Logger
	Store      settings.Store
	Repository *Repository

	// Extractor defaults to archive.New with default limits.
	Extractor Extractor

	// Shipped is read once during a fresh install.
	Shipped Asset

	Metrics  Metrics
	Verifier Verifier
	Tracer   trace.Tracer
}

// Manager orchestrates bundle selection and installation. Initialize and
// Install are serialized internally; toggle setters only touch the store and
// take effect on the next Initialize.
type Manager struct {
	cfg       Config
	store     settings.Store
	repo      *Repository
	extractor Extractor
	shipped   Asset
	metrics   Metrics
	verifier  Verifier
	tracer    trace.Tracer
	logger    log.Logger

	mu          sync.RWMutex
	state       State
	activeHash  string
	useBundle   bool
	initialized bool
}

func NewManager(cfg Config, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, xerrors.New("settings store is required")
	}
	if opts.Repository == nil {
		return nil, xerrors.New("repository is required")
	}
	if cfg.AppVersion == "" {
		return nil, xerrors.New("app version is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Extractor == nil {
		opts.Extractor = archive.New(archive.Options{Logger: opts.Logger})
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Platform == "" {
		cfg.Platform = "android"
	}

	return &Manager{
		cfg:       cfg,
		store:     opts.Store,
		repo:      opts.Repository,
		extractor: opts.Extractor,
		shipped:   opts.Shipped,
		metrics:   opts.Metrics,
		verifier:  opts.Verifier,
		tracer:    opts.Tracer,
		logger:    opts.Logger,
	}, nil
}

// Initialize resolves the startup state. It runs at most once per process in
// normal use; a second call re-resolves from persisted state.
//
// An error leaves the manager in StateNoBundle, so ResolveEntryPoint falls
// back to the embedded code, but the error is always returned: a cached
// bundle that cannot be re-extracted is never silently downgraded.
func (m *Manager) Initialize(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "bundle.Initialize")
	defer func() { endSpan(span, err) }()

	useBundle, err := m.UseBundle()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.useBundle = useBundle
	m.initialized = true
	m.setState(ctx, StateNoBundle, "")

	if !useBundle {
		m.logger.Info(ctx, "bundle usage disabled, using embedded code")
		return nil
	}

	rec, hasRec, err := loadRecord(m.store)
	if err != nil {
		return err
	}

	if hasRec && m.recordValid(rec) {
		if err := m.reextract(ctx, rec.Hash); err != nil {
			return err
		}
		m.setState(ctx, StateCachedBundle, rec.Hash)
		m.logger.Info(ctx, "using cached bundle",
			"hash", truncHash(rec.Hash),
			"app_version", rec.AppVersion,
		)
		return nil
	}

	if hasRec {
		m.logger.Info(ctx, "persisted bundle record is stale",
			"hash", truncHash(rec.Hash),
			"recorded_app_version", rec.AppVersion,
			"app_version", m.cfg.AppVersion,
		)
	}

	hash, err := m.freshInstall(ctx, rec, hasRec)
	if err != nil {
		return err
	}
	m.setState(ctx, StateFreshInstall, hash)
	span.SetAttributes(attribute.String("bundle.hash", hash))
	return nil
}

// recordValid holds when the record was written for this application
// version and both the blob and the extracted entry are on disk.
func (m *Manager) recordValid(rec Record) bool {
	if rec.AppVersion != m.cfg.AppVersion {
		return false
	}
	return m.repo.Exists(rec.Hash) && m.repo.EntryExists()
}

// reextract restores the entry file from the cached blob on every start so a
// tampered or partially cleaned entry is repaired before it is loaded.
func (m *Manager) reextract(ctx context.Context, hash string) error {
	blob, err := m.repo.PathForHash(hash)
	if err != nil {
		return err
	}
	mode := archive.SingleEntry(m.repo.EntryName())
	if err := m.extractor.Extract(ctx, blob, m.repo.Root(), mode, m.cfg.Passphrase); err != nil {
		return xerrors.Wrapf(err, "re-extract cached bundle %s", truncHash(hash))
	}
	return nil
}

// freshInstall imports the shipped archive and fully extracts it. The record
// is written last; on any failure nothing is persisted and the new blob is
// removed so the next start retries from scratch.
func (m *Manager) freshInstall(ctx context.Context, stale Record, hasStale bool) (string, error) {
	start := time.Now()

	if hasStale {
		if err := m.repo.Remove(stale.Hash); err != nil && !errors.Is(err, ErrInvalidHash) {
			return "", xerrors.Wrap(err, "remove stale bundle")
		}
		if err := clearRecord(m.store); err != nil {
			return "", err
		}
	}

	if m.shipped == nil {
		return "", xerrors.New("no shipped bundle configured")
	}
	rc, err := m.shipped.Open()
	if err != nil {
		m.observeInstall("shipped", "error", start)
		return "", xerrors.Mark(xerrors.Wrap(err, "open shipped bundle"), xerrors.ErrIO)
	}
	hash, err := m.repo.ImportFromSource(rc)
	rc.Close()
	if err != nil {
		m.observeInstall("shipped", "error", start)
		return "", xerrors.Wrap(err, "import shipped bundle")
	}

	if err := m.extractAndCommit(ctx, hash); err != nil {
		m.discard(ctx, hash)
		m.observeInstall("shipped", "error", start)
		return "", xerrors.Wrap(err, "install shipped bundle")
	}

	m.observeInstall("shipped", "ok", start)
	m.logger.Info(ctx, "installed shipped bundle",
		"hash", truncHash(hash),
		"app_version", m.cfg.AppVersion,
		"duration", time.Since(start).String(),
	)
	return hash, nil
}

// extractAndCommit fully extracts a repository blob into a staging
// directory, checks the entry, moves the tree into the root and persists the
// record. The active entry is untouched until the new one is known good.
func (m *Manager) extractAndCommit(ctx context.Context, hash string) error {
	blob, err := m.repo.PathForHash(hash)
	if err != nil {
		return err
	}
	staging, err := m.repo.newStaging()
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := m.extractor.Extract(ctx, blob, staging, archive.Full(), m.cfg.Passphrase); err != nil {
		return err
	}
	if err := validateEntry(filepath.Join(staging, filepath.FromSlash(m.repo.EntryName()))); err != nil {
		return err
	}
	if err := m.repo.promote(staging); err != nil {
		return xerrors.Mark(err, errPartialPromote)
	}
	return saveRecord(m.store, Record{Hash: hash, AppVersion: m.cfg.AppVersion})
}

// errPartialPromote marks a promote that may have replaced some files of the
// active tree before failing.
var errPartialPromote = xerrors.NewKind("partial promote")

// restore re-extracts the recorded bundle over a tree left mixed by a failed
// promote. If that fails too the record is cleared so the next Initialize
// starts from the shipped bundle. Must be called with mu held.
func (m *Manager) restore(ctx context.Context, prev Record) {
	err := m.extractAndCommit(ctx, prev.Hash)
	if err == nil {
		m.logger.Warn(ctx, "restored previous bundle after failed promote", "hash", truncHash(prev.Hash))
		return
	}
	m.logger.Error(ctx, err, "restore of previous bundle failed, clearing record", "hash", truncHash(prev.Hash))
	if cerr := clearRecord(m.store); cerr != nil {
		m.logger.Error(ctx, cerr, "failed to clear bundle record")
	}
	m.setState(ctx, StateNoBundle, "")
}

// discard removes a blob that failed to install. Best effort.
func (m *Manager) discard(ctx context.Context, hash string) {
	if err := m.repo.Remove(hash); err != nil {
		m.logger.Warn(ctx, "failed to remove rejected bundle blob",
			"hash", truncHash(hash),
			"error", err,
		)
	}
}

// setState must be called with mu held.
func (m *Manager) setState(ctx context.Context, s State, hash string) {
	m.state = s
	m.activeHash = hash
	if m.metrics != nil {
		m.metrics.SetBundleState(s.String(), hash)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("bundle.state", s.String()))
}

func (m *Manager) observeInstall(source, result string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.IncInstall(source, result)
	m.metrics.ObserveInstallDuration(time.Since(start).Seconds())
}

// State returns the resolved state and the active hash, if any.
func (m *Manager) State() (State, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.activeHash
}

// ActiveHash is the hash of the bundle in use, or "".
func (m *Manager) ActiveHash() string {
	_, h := m.State()
	return h
}

// ResolveEntryPoint returns the extracted entry path when a bundle is active
// and enabled. ok=false tells the caller to run the embedded code.
func (m *Manager) ResolveEntryPoint() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.useBundle {
		return "", false
	}
	if m.state != StateCachedBundle && m.state != StateFreshInstall {
		return "", false
	}
	if !m.repo.EntryExists() {
		return "", false
	}
	return m.repo.ExtractedEntryPath(), true
}

// ReadyErr returns an error until Initialize has completed.
func (m *Manager) ReadyErr() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return errors.New("bundle: not initialized")
	}
	return nil
}

// LastValidHash returns the persisted hash when the record is valid for
// this application version and its files are on disk.
func (m *Manager) LastValidHash() (string, bool, error) {
	rec, ok, err := loadRecord(m.store)
	if err != nil || !ok {
		return "", false, err
	}
	if !m.recordValid(rec) {
		return "", false, nil
	}
	return rec.Hash, true, nil
}

// SetLastValidHash records hash as installed for the current application
// version. Used when a bundle was swapped in by an external process.
func (m *Manager) SetLastValidHash(hash string) error {
	if !cryptoutil.ValidHash(m.repo.Algorithm(), hash) {
		return xerrors.Mark(xerrors.Newf("malformed %s hash %q", m.repo.Algorithm(), hash), xerrors.ErrInvalidHash)
	}
	return saveRecord(m.store, Record{Hash: hash, AppVersion: m.cfg.AppVersion})
}

// UseBundle resolves the toggle: persisted override, else the default.
func (m *Manager) UseBundle() (bool, error) {
	v, err := m.store.GetBool(settings.KeyUseBundle, m.cfg.UseBundle)
	if err != nil {
		return m.cfg.UseBundle, xerrors.Wrap(err, "read use_bundle")
	}
	return v, nil
}

// SetUseBundle persists an override. Takes effect on the next Initialize.
func (m *Manager) SetUseBundle(v bool) error {
	return m.store.SetBool(settings.KeyUseBundle, v)
}

// UseDownload resolves the download toggle: persisted override, else the default.
func (m *Manager) UseDownload() (bool, error) {
	v, err := m.store.GetBool(settings.KeyUseDownload, m.cfg.UseDownload)
	if err != nil {
		return m.cfg.UseDownload, xerrors.Wrap(err, "read use_download")
	}
	return v, nil
}

// SetUseDownload persists an override. The watcher reads it on every poll;
// ResolveEntryPoint is unaffected.
func (m *Manager) SetUseDownload(v bool) error {
	return m.store.SetBool(settings.KeyUseDownload, v)
}

// DownloadURL returns the bundle server URL override, else the default server.
func (m *Manager) DownloadURL() (string, error) {
	v, err := m.store.GetString(settings.KeyBundleDownloadURL, m.cfg.DefaultServer)
	if err != nil {
		return m.cfg.DefaultServer, xerrors.Wrap(err, "read bundle_download_url")
	}
	return v, nil
}

// SetDownloadURL stores an override. An empty value clears it.
func (m *Manager) SetDownloadURL(raw string) error {
	if raw == "" {
		return m.store.Delete(settings.KeyBundleDownloadURL)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return xerrors.Newf("invalid download url %q", raw)
	}
	return m.store.SetString(settings.KeyBundleDownloadURL, raw)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
