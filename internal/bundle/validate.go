package bundle

import (
	"os"

	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// validateEntry checks the extracted entry file exists and has content.
// Run after a full extraction and before the record is written, so a bundle
// that extracted cleanly but shipped no code is never marked valid.
func validateEntry(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "validate: entry not found after extraction"), xerrors.ErrEntryNotFound)
	}
	if !st.Mode().IsRegular() {
		return xerrors.Mark(xerrors.Newf("validate: entry %s is not a regular file", path), xerrors.ErrExtraction)
	}
	if st.Size() == 0 {
		return xerrors.Mark(xerrors.Newf("validate: entry %s is empty", path), xerrors.ErrExtraction)
	}
	return nil
}
