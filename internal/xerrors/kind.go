package xerrors

import "errors"

// Kind classifies a failure independently of the message chain.
// Kinds are compared with errors.Is, so a kind survives any number of
// Wrap/Wrapf layers added on the way up.
type Kind struct{ name string }

func (k *Kind) Error() string { return k.name }

// NewKind returns a distinct error kind. Kinds are package-level values.
func NewKind(name string) *Kind { return &Kind{name: name} }

var (
	// ErrIO marks file read/write/rename failures.
	ErrIO = NewKind("io error")

	// ErrExtraction marks corrupt archives and missing or wrong passphrases.
	ErrExtraction = NewKind("extraction error")

	// ErrEntryNotFound marks a requested archive entry that does not exist.
	ErrEntryNotFound = NewKind("entry not found")

	// ErrHashAlgorithmUnavailable marks a broken deployment: the configured
	// digest algorithm is not compiled in.
	ErrHashAlgorithmUnavailable = NewKind("hash algorithm unavailable")

	// ErrInvalidHash marks a content hash that is not well-formed hex for
	// the configured algorithm.
	ErrInvalidHash = NewKind("invalid content hash")

	// ErrIntegrity marks a digest or signature that does not match.
	ErrIntegrity = NewKind("integrity check failed")

	// ErrInvalidArgument marks caller input that is refused before any I/O,
	// such as an extraction destination inside the bundle root.
	ErrInvalidArgument = NewKind("invalid argument")
)

type marked struct {
	err  error
	kind *Kind
}

func (m *marked) Error() string   { return m.err.Error() }
func (m *marked) Unwrap() error   { return m.err }
func (m *marked) xerrorsWrapper() {}

func (m *marked) Is(target error) bool {
	k, ok := target.(*Kind)
	return ok && k == m.kind
}

// Mark tags err with kind without changing its message. Mark(nil, k) is nil.
// An error that already carries kind is returned unchanged.
func Mark(err error, kind *Kind) error {
	if err == nil {
		return nil
	}
	if kind == nil || errors.Is(err, kind) {
		return err
	}
	return &marked{err: err, kind: kind}
}

// KindOf returns the first known kind found in err's chain, or nil.
func KindOf(err error) *Kind {
	for _, k := range []*Kind{
		ErrHashAlgorithmUnavailable,
		ErrInvalidHash,
		ErrInvalidArgument,
		ErrIntegrity,
		ErrEntryNotFound,
		ErrExtraction,
		ErrIO,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
