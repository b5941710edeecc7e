package cryptoutil

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// Algorithm names a content digest algorithm.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"

	// DefaultAlgorithm is used when no algorithm is configured.
	DefaultAlgorithm = SHA256
)

// ErrHashAlgorithmUnavailable is returned for algorithms this build does not
// provide. It indicates a broken deployment, not a recoverable condition.
var ErrHashAlgorithmUnavailable = xerrors.ErrHashAlgorithmUnavailable

// ParseAlgorithm normalizes and validates an algorithm name.
// An empty name selects DefaultAlgorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if a == "" {
		return DefaultAlgorithm, nil
	}
	if _, err := a.New(); err != nil {
		return "", err
	}
	return a, nil
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, xerrors.Mark(xerrors.Newf("unknown hash algorithm %q (valid algorithms are md5|sha256|blake3)", string(a)), ErrHashAlgorithmUnavailable)
	}
}

// HexLen is the length of a hex-encoded digest, or 0 for unknown algorithms.
func (a Algorithm) HexLen() int {
	switch a {
	case MD5:
		return md5.Size * 2
	case SHA256:
		return sha256.Size * 2
	case BLAKE3:
		return 32 * 2
	default:
		return 0
	}
}

// Hasher computes content digests for files with a fixed algorithm.
type Hasher struct {
	alg Algorithm
}

// NewHasher fails fast when the algorithm is unavailable so a broken
// configuration surfaces at construction rather than on first use.
func NewHasher(alg Algorithm) (*Hasher, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	if _, err := alg.New(); err != nil {
		return nil, err
	}
	return &Hasher{alg: alg}, nil
}

func (h *Hasher) Algorithm() Algorithm { return h.alg }

// Digest streams the file at path through the hash and returns lowercase hex.
func (h *Hasher) Digest(path string) (string, error) {
	return FileDigest(h.alg, path)
}

// FileDigest computes the digest of a file without loading it into memory.
func FileDigest(alg Algorithm, path string) (string, error) {
	hh, err := alg.New()
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Mark(xerrors.Wrapf(err, "open %s for hashing", path), xerrors.ErrIO)
	}
	defer f.Close()

	if _, err := io.Copy(hh, f); err != nil {
		return "", xerrors.Mark(xerrors.Wrapf(err, "hash %s", path), xerrors.ErrIO)
	}
	return hex.EncodeToString(hh.Sum(nil)), nil
}

// ValidHash reports whether s is a lowercase hex digest of the right length
// for alg. Hashes are used as file names, so anything else is refused.
func ValidHash(alg Algorithm, s string) bool {
	n := alg.HexLen()
	if n == 0 || len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashEqual performs constant-time comparison of two hex-encoded hashes
// to prevent timing attacks. It returns true if the hashes are equal.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
