package bundle

import "github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"

// Error kinds surfaced by this package. Test with errors.Is.
var (
	ErrIO                       = xerrors.ErrIO
	ErrExtraction               = xerrors.ErrExtraction
	ErrEntryNotFound            = xerrors.ErrEntryNotFound
	ErrHashAlgorithmUnavailable = xerrors.ErrHashAlgorithmUnavailable
	ErrInvalidHash              = xerrors.ErrInvalidHash
	ErrIntegrity                = xerrors.ErrIntegrity
	ErrInvalidArgument          = xerrors.ErrInvalidArgument
)

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
