package archive

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

const (
	ageHeader   = "age-encryption.org/v1"
	armorHeader = "-----BEGIN AGE ENCRYPTED FILE-----"
)

// envelope describes how an archive file is wrapped.
type envelope int

const (
	envelopeNone envelope = iota
	envelopeAge
	envelopeArmored
)

// sniffEnvelope peeks at the first bytes of r to detect an age envelope.
func sniffEnvelope(r io.Reader) (envelope, error) {
	br := bufio.NewReaderSize(r, len(armorHeader))
	head, err := br.Peek(len(armorHeader))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return envelopeNone, err
	}
	switch {
	case bytes.HasPrefix(head, []byte(ageHeader)):
		return envelopeAge, nil
	case bytes.HasPrefix(head, []byte(armorHeader)):
		return envelopeArmored, nil
	default:
		return envelopeNone, nil
	}
}

// IsEncrypted reports whether the file at path is passphrase protected.
func IsEncrypted(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, xerrors.Mark(xerrors.Wrapf(err, "open archive %s", path), xerrors.ErrIO)
	}
	defer f.Close()

	env, err := sniffEnvelope(f)
	if err != nil {
		return false, xerrors.Mark(xerrors.Wrapf(err, "read archive %s", path), xerrors.ErrIO)
	}
	return env != envelopeNone, nil
}

// decryptTo writes the plaintext of an age envelope at src into dst.
func decryptTo(dst io.Writer, src io.Reader, env envelope, passphrase string) error {
	if passphrase == "" {
		return xerrors.Mark(xerrors.New("archive is encrypted and no passphrase was supplied"), ErrExtraction)
	}

	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "scrypt identity"), ErrExtraction)
	}

	if env == envelopeArmored {
		src = armor.NewReader(src)
	}

	r, err := age.Decrypt(src, id)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return xerrors.Mark(xerrors.New("wrong passphrase for encrypted archive"), ErrExtraction)
		}
		return xerrors.Mark(xerrors.Wrap(err, "open encrypted archive"), ErrExtraction)
	}

	if _, err := io.Copy(dst, r); err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "decrypt archive"), ErrExtraction)
	}
	return nil
}

// Seal wraps a plain archive in an age passphrase envelope. workFactor is the
// scrypt log2(N); 0 keeps the age default.
func Seal(dst io.Writer, src io.Reader, passphrase string, workFactor int) error {
	if passphrase == "" {
		return xerrors.New("seal: passphrase is required")
	}
	rcpt, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return xerrors.Wrap(err, "seal: scrypt recipient")
	}
	if workFactor > 0 {
		rcpt.SetWorkFactor(workFactor)
	}

	w, err := age.Encrypt(dst, rcpt)
	if err != nil {
		return xerrors.Wrap(err, "seal: start encryption")
	}
	if _, err := io.Copy(w, src); err != nil {
		return xerrors.Wrap(err, "seal: write archive")
	}
	if err := w.Close(); err != nil {
		return xerrors.Wrap(err, "seal: finalize")
	}
	return nil
}
