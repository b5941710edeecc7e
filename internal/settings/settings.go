// Package settings is durable key/value persistence for bundle lifecycle
// state, scoped to one application installation.
package settings

import "errors"

// Well-known keys.
const (
	KeyBundleRecord      = "bundle_record"
	KeyBundleDownloadURL = "bundle_download_url"
	KeyUseBundle         = "use_bundle"
	KeyUseDownload       = "use_download"
)

// ErrTypeMismatch is returned when a key holds a value of another type than
// the one requested.
var ErrTypeMismatch = errors.New("settings: value has a different type")

// Store reads and writes typed values. Getters return def when the key is
// absent. Writes are durable when the call returns.
type Store interface {
	GetString(key, def string) (string, error)
	GetBool(key string, def bool) (bool, error)
	SetString(key, value string) error
	SetBool(key string, value bool) error
	Delete(key string) error
}

type valueKind byte

const (
	kindString valueKind = 's'
	kindBool   valueKind = 'b'
)

// encode prefixes the raw value with a one-byte type tag.
func encode(k valueKind, raw []byte) []byte {
	out := make([]byte, 0, len(raw)+1)
	out = append(out, byte(k))
	return append(out, raw...)
}

// decode splits a stored value into its tag and payload.
func decode(b []byte) (valueKind, []byte, error) {
	if len(b) == 0 {
		return 0, nil, errors.New("settings: empty stored value")
	}
	return valueKind(b[0]), b[1:], nil
}

func encodeBool(v bool) []byte {
	if v {
		return encode(kindBool, []byte{1})
	}
	return encode(kindBool, []byte{0})
}

func decodeString(b []byte) (string, error) {
	k, raw, err := decode(b)
	if err != nil {
		return "", err
	}
	if k != kindString {
		return "", ErrTypeMismatch
	}
	return string(raw), nil
}

func decodeBool(b []byte) (bool, error) {
	k, raw, err := decode(b)
	if err != nil {
		return false, err
	}
	if k != kindBool || len(raw) != 1 {
		return false, ErrTypeMismatch
	}
	return raw[0] == 1, nil
}
