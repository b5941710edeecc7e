package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

const (
	packageInfoName = "bundle.info.json"

	// maxPackageInfoSize caps bundle.info.json; it is metadata, not content.
	maxPackageInfoSize = 1 << 20
)

// Info is the snapshot exposed to the bridge layer.
type Info struct {
	State         string `json:"state"`
	ActiveHash    string `json:"active_hash,omitempty"`
	UseBundle     bool   `json:"use_bundle"`
	UseDownload   bool   `json:"use_download"`
	Hash          string `json:"hash"`
	Path          string `json:"path"`
	Params        string `json:"params"`
	DownloadURL   string `json:"download_url"`
	AppID         string `json:"app_id"`
	AppVersion    string `json:"app_version"`
	Algorithm     string `json:"algorithm"`
	PassphraseSet bool   `json:"passphrase_set"`
}

// Params is the query the bundle server expects for this installation.
func (m *Manager) Params() string {
	return fmt.Sprintf("/index.bundle?platform=%s&dev=%t&appId=%s&app_ver=%s",
		m.cfg.Platform, m.cfg.Debug, m.cfg.AppID, m.cfg.AppVersion)
}

// Info reports toggles, the persisted hash and server parameters. Hash is the
// raw persisted value and may be stale; use LastValidHash for validity.
func (m *Manager) Info() (Info, error) {
	useBundle, err := m.UseBundle()
	if err != nil {
		return Info{}, err
	}
	useDownload, err := m.UseDownload()
	if err != nil {
		return Info{}, err
	}
	dl, err := m.DownloadURL()
	if err != nil {
		return Info{}, err
	}
	rec, _, err := loadRecord(m.store)
	if err != nil {
		return Info{}, err
	}
	state, active := m.State()

	return Info{
		State:         state.String(),
		ActiveHash:    active,
		UseBundle:     useBundle,
		UseDownload:   useDownload,
		Hash:          rec.Hash,
		Path:          m.repo.Root(),
		Params:        m.Params(),
		DownloadURL:   dl,
		AppID:         m.cfg.AppID,
		AppVersion:    m.cfg.AppVersion,
		Algorithm:     m.Algorithm(),
		PassphraseSet: m.cfg.Passphrase != "",
	}, nil
}

// Algorithm names the digest used for content hashes.
func (m *Manager) Algorithm() string { return string(m.repo.Algorithm()) }

// PackageInfo returns the raw bundle.info.json of the extracted bundle.
// ok=false means the active bundle ships none.
func (m *Manager) PackageInfo() (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.repo.PackageInfoPath()
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Mark(xerrors.Wrapf(err, "stat %s", p), xerrors.ErrIO)
	}
	if st.Size() > maxPackageInfoSize {
		return nil, false, xerrors.Mark(xerrors.Newf("%s exceeds %d bytes", packageInfoName, maxPackageInfoSize), xerrors.ErrExtraction)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, false, xerrors.Mark(xerrors.Wrapf(err, "read %s", p), xerrors.ErrIO)
	}
	if !json.Valid(b) {
		return nil, false, xerrors.Mark(xerrors.Newf("%s is not valid JSON", packageInfoName), xerrors.ErrExtraction)
	}
	return json.RawMessage(b), true, nil
}
