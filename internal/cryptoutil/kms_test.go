package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

const testKeyARN = "arn:aws:kms:us-east-2:000000000000:key/test-key-id"

type fakeKMS struct {
	der   []byte
	usage kmstypes.KeyUsageType
	spec  kmstypes.KeySpec
	calls int
	err   error
}

func (f *fakeKMS) GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &kms.GetPublicKeyOutput{PublicKey: f.der, KeyUsage: f.usage, KeySpec: f.spec}, nil
}

func generateTestECKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generate ECDSA key: %v", err)
	}
	return key
}

func newTestVerifier(pub crypto.PublicKey) *KMSVerifier {
	return &KMSVerifier{keyID: testKeyARN, key: pub}
}

func signP256(t *testing.T, key *ecdsa.PrivateKey, msg []byte) []byte {
	t.Helper()
	d := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, key, d[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestVerifyDigest_ECDSA_P256(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	v := newTestVerifier(&key.PublicKey)
	digest := "5eb63bbbe01eeed093cb22bb8f5acdc3"

	if err := v.VerifyDigest(context.Background(), digest, signP256(t, key, []byte(digest))); err != nil {
		t.Fatalf("VerifyDigest: %v", err)
	}

	err := v.VerifyDigest(context.Background(), "00000000000000000000000000000000", signP256(t, key, []byte(digest)))
	if !errors.Is(err, xerrors.ErrIntegrity) {
		t.Fatalf("expected integrity error for wrong digest, got %v", err)
	}
}

func TestVerifyDigest_ECDSA_P384(t *testing.T) {
	key := generateTestECKey(t, elliptic.P384())
	v := newTestVerifier(&key.PublicKey)
	msg := []byte("abcd1234")
	d := sha512.Sum384(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, key, d[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.VerifyDigest(context.Background(), string(msg), sig); err != nil {
		t.Fatalf("VerifyDigest: %v", err)
	}
}

func TestVerifyDigest_EmptySignature(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	v := newTestVerifier(&key.PublicKey)

	if err := v.VerifyDigest(context.Background(), "abcd", nil); !errors.Is(err, xerrors.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestVerifySignature_RSA_PSSOnlyByDefault(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	v := newTestVerifier(&key.PublicKey)
	msg := []byte("abcd1234")
	d := sha256.Sum256(msg)

	pss, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, d[:], nil)
	if err != nil {
		t.Fatalf("sign PSS: %v", err)
	}
	if err := v.VerifySignature(context.Background(), msg, pss); err != nil {
		t.Fatalf("PSS should verify: %v", err)
	}

	pkcs, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, d[:])
	if err != nil {
		t.Fatalf("sign PKCS1v15: %v", err)
	}
	if err := v.VerifySignature(context.Background(), msg, pkcs); err == nil {
		t.Fatal("PKCS1v15 should be rejected when fallback disabled")
	}
	v.AllowPKCS1v15 = true
	if err := v.VerifySignature(context.Background(), msg, pkcs); err != nil {
		t.Fatalf("PKCS1v15 should verify with fallback: %v", err)
	}
}

func TestPublicKey_FetchesOnceAndCaches(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	fake := &fakeKMS{der: der, usage: kmstypes.KeyUsageTypeSignVerify}
	v := &KMSVerifier{api: fake, keyID: testKeyARN}

	for i := 0; i < 3; i++ {
		if _, err := v.PublicKey(context.Background()); err != nil {
			t.Fatalf("PublicKey: %v", err)
		}
	}
	if fake.calls != 1 {
		t.Fatalf("GetPublicKey calls = %d, want 1", fake.calls)
	}
}

func TestPublicKey_RejectsWrongKeyUsage(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	v := &KMSVerifier{api: &fakeKMS{der: der, usage: kmstypes.KeyUsageTypeEncryptDecrypt}, keyID: testKeyARN}

	if _, err := v.PublicKey(context.Background()); err == nil {
		t.Fatal("expected error for ENCRYPT_DECRYPT key")
	}
}

func TestPublicKey_NilClient(t *testing.T) {
	v := &KMSVerifier{keyID: testKeyARN}
	if _, err := v.PublicKey(context.Background()); err == nil {
		t.Fatal("expected error with no client and no cached key")
	}
}

func TestVerifyDigest_Base64Signature(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	v := newTestVerifier(&key.PublicKey)
	digest := "5eb63bbbe01eeed093cb22bb8f5acdc3"
	sig := signP256(t, key, []byte(digest))

	text := base64.StdEncoding.EncodeToString(sig) + "\n"
	if err := v.VerifyDigest(context.Background(), digest, []byte(text)); err != nil {
		t.Fatalf("base64 signature: %v", err)
	}
	if err := v.VerifyDigest(context.Background(), strings.ToUpper(digest), sig); err != nil {
		t.Fatalf("uppercase digest: %v", err)
	}
}

func TestVerifyDigest_MalformedDigest(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	v := newTestVerifier(&key.PublicKey)

	for _, d := range []string{"", "  ", "not-hex"} {
		err := v.VerifyDigest(context.Background(), d, []byte{0x30, 0x01})
		if !errors.Is(err, xerrors.ErrInvalidHash) {
			t.Fatalf("digest %q: expected invalid hash, got %v", d, err)
		}
	}
}

func TestPublicKey_RejectsUnsupportedSpec(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	fake := &fakeKMS{der: der, usage: kmstypes.KeyUsageTypeSignVerify, spec: kmstypes.KeySpecEccSecgP256k1}
	v := &KMSVerifier{api: fake, keyID: testKeyARN}

	if _, err := v.PublicKey(context.Background()); err == nil {
		t.Fatal("expected error for secp256k1 key spec")
	}
}

func TestPublicKey_FetchErrorNotCached(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	fake := &fakeKMS{der: der, usage: kmstypes.KeyUsageTypeSignVerify, err: errors.New("throttled")}
	v := &KMSVerifier{api: fake, keyID: testKeyARN}

	if _, err := v.PublicKey(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	fake.err = nil
	if _, err := v.PublicKey(context.Background()); err != nil {
		t.Fatalf("retry after error: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("GetPublicKey calls = %d, want 2", fake.calls)
	}
}

func TestKeyID(t *testing.T) {
	if got := NewKMSVerifier(nil, testKeyARN).KeyID(); got != testKeyARN {
		t.Fatalf("KeyID = %q", got)
	}
}
