package bundle

import (
	"encoding/json"

	"github.com/keithlinneman/linnemanlabs-ota/internal/settings"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// Record is the persisted install decision. Both fields are written in one
// value so a reader never pairs a new hash with an old version.
type Record struct {
	Hash       string `json:"hash"`
	AppVersion string `json:"app_version"`
}

// loadRecord returns the persisted record, or ok=false when none is stored.
// A stored value that does not parse is treated as absent.
func loadRecord(s settings.Store) (Record, bool, error) {
	raw, err := s.GetString(settings.KeyBundleRecord, "")
	if err != nil {
		return Record{}, false, xerrors.Wrap(err, "read bundle record")
	}
	if raw == "" {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Hash == "" {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func saveRecord(s settings.Store, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(err, "encode bundle record")
	}
	if err := s.SetString(settings.KeyBundleRecord, string(b)); err != nil {
		return xerrors.Wrap(err, "write bundle record")
	}
	return nil
}

func clearRecord(s settings.Store) error {
	if err := s.Delete(settings.KeyBundleRecord); err != nil {
		return xerrors.Wrap(err, "delete bundle record")
	}
	return nil
}
