package cryptoutil

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// publicKeyAPI is the one KMS call the verifier makes.
type publicKeyAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks detached bundle signatures produced by an asymmetric
// KMS signing key. Signing happens in KMS; verification is local against the
// downloaded public key.
type KMSVerifier struct {
	api   publicKeyAPI
	keyID string

	// AllowPKCS1v15 accepts RSA PKCS#1 v1.5 signatures when PSS fails.
	AllowPKCS1v15 bool

	mu  sync.Mutex
	key crypto.PublicKey
}

// NewKMSVerifier verifies bundle signatures against the public half of keyARN.
func NewKMSVerifier(client *kms.Client, keyARN string) *KMSVerifier {
	v := &KMSVerifier{keyID: keyARN}
	if client != nil {
		v.api = client
	}
	return v
}

// KeyID returns the KMS key identifier signatures are checked against.
func (v *KMSVerifier) KeyID() string { return v.keyID }

// VerifyDigest checks signature over the lowercase hex content hash of a
// bundle archive. The signature may be raw bytes or base64 text as written by
// `aws kms sign`. Any mismatch is an integrity error.
func (v *KMSVerifier) VerifyDigest(ctx context.Context, hexDigest string, signature []byte) error {
	digest := strings.ToLower(strings.TrimSpace(hexDigest))
	if digest == "" {
		return xerrors.Mark(xerrors.New("empty content hash"), xerrors.ErrInvalidHash)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return xerrors.Mark(xerrors.Newf("content hash %q is not hex", hexDigest), xerrors.ErrInvalidHash)
	}

	sig := decodeSignature(signature)
	if len(sig) == 0 {
		return xerrors.Mark(xerrors.New("bundle signature is empty"), xerrors.ErrIntegrity)
	}

	if err := v.VerifySignature(ctx, []byte(digest), sig); err != nil {
		if xerrors.KindOf(err) != nil {
			return err
		}
		return xerrors.Mark(xerrors.Wrapf(err, "bundle %s", digest), xerrors.ErrIntegrity)
	}
	return nil
}

// VerifySignature verifies signature over message with the cached public key.
// The hash follows the key: SHA-256 for P-256 and RSA, SHA-384 for P-384.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		h, digest, err := curveDigest(key.Curve, message)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return xerrors.Newf("ecdsa %s/%s signature mismatch", key.Curve.Params().Name, h)
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil)
		if err == nil {
			return nil
		}
		if v.AllowPKCS1v15 && rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature) == nil {
			return nil
		}
		return xerrors.Wrap(err, "rsa signature mismatch")
	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}

// PublicKey returns the verification key, fetching it from KMS on first use.
// Failed fetches are not cached.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key != nil {
		return v.key, nil
	}
	if v.api == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.api.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyID)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyID)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has usage %s, want %s", v.keyID, out.KeyUsage, kmstypes.KeyUsageTypeSignVerify)
	}
	if !supportedKeySpec(out.KeySpec) {
		return nil, xerrors.Newf("kms key %s has unsupported spec %s", v.keyID, out.KeySpec)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse public key for %s", v.keyID)
	}
	v.key = pub
	return pub, nil
}

// supportedKeySpec reports whether spec is one we can verify locally. An
// empty spec is accepted and the parsed key type decides.
func supportedKeySpec(spec kmstypes.KeySpec) bool {
	switch spec {
	case "",
		kmstypes.KeySpecEccNistP256,
		kmstypes.KeySpecEccNistP384,
		kmstypes.KeySpecRsa2048,
		kmstypes.KeySpecRsa3072,
		kmstypes.KeySpecRsa4096:
		return true
	}
	return false
}

func curveDigest(c elliptic.Curve, message []byte) (crypto.Hash, []byte, error) {
	switch c {
	case elliptic.P256():
		d := sha256.Sum256(message)
		return crypto.SHA256, d[:], nil
	case elliptic.P384():
		d := sha512.Sum384(message)
		return crypto.SHA384, d[:], nil
	}
	return 0, nil, xerrors.Newf("unsupported ecdsa curve %s", c.Params().Name)
}

// decodeSignature accepts a raw signature or its base64 text form.
func decodeSignature(sig []byte) []byte {
	text := bytes.TrimSpace(sig)
	if len(text) == 0 {
		return nil
	}
	dec := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(dec, text)
	if err != nil || n == 0 {
		return sig
	}
	return dec[:n]
}
