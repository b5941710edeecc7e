package settings

import (
	"context"
	"time"

	"go.etcd.io/bbolt"

	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// DefaultOpenTimeout bounds how long Open waits for the file lock held by
// another process.
const DefaultOpenTimeout = time.Second

type BoltOptions struct {
	Logger log.Logger

	// Scope names the bucket holding this installation's values, usually
	// the application identifier.
	Scope string

	OpenTimeout time.Duration

	// NoSync disables fsync per transaction. Tests only.
	NoSync bool
}

// BoltStore persists settings in a bbolt file, one bucket per scope.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
	logger log.Logger
}

// OpenBolt opens or creates the settings database at path.
func OpenBolt(path string, opts BoltOptions) (*BoltStore, error) {
	if opts.Scope == "" {
		return nil, xerrors.New("settings scope is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: opts.OpenTimeout,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrapf(err, "open settings %s", path), xerrors.ErrIO)
	}

	bucket := []byte(opts.Scope)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, xerrors.Mark(xerrors.Wrapf(err, "create settings bucket %s", opts.Scope), xerrors.ErrIO)
	}

	opts.Logger.Debug(context.Background(), "opened settings store", "path", path, "scope", opts.Scope)
	return &BoltStore{db: db, bucket: bucket, logger: opts.Logger}, nil
}

func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// get copies the stored value out of the transaction. nil means absent.
func (s *BoltStore) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrapf(err, "read setting %s", key), xerrors.ErrIO)
	}
	return out, nil
}

func (s *BoltStore) put(key string, val []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), val)
	})
	if err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "write setting %s", key), xerrors.ErrIO)
	}
	return nil
}

func (s *BoltStore) GetString(key, def string) (string, error) {
	b, err := s.get(key)
	if err != nil || b == nil {
		return def, err
	}
	v, err := decodeString(b)
	if err != nil {
		return def, xerrors.Wrapf(err, "setting %s", key)
	}
	return v, nil
}

func (s *BoltStore) GetBool(key string, def bool) (bool, error) {
	b, err := s.get(key)
	if err != nil || b == nil {
		return def, err
	}
	v, err := decodeBool(b)
	if err != nil {
		return def, xerrors.Wrapf(err, "setting %s", key)
	}
	return v, nil
}

func (s *BoltStore) SetString(key, value string) error {
	return s.put(key, encode(kindString, []byte(value)))
}

func (s *BoltStore) SetBool(key string, value bool) error {
	return s.put(key, encodeBool(value))
}

func (s *BoltStore) Delete(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "delete setting %s", key), xerrors.ErrIO)
	}
	return nil
}
