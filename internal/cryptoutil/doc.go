// Package cryptoutil provides the content hashing and signature
// verification primitives used to identify and trust bundle archives.
//
// It supports:
//   - Streaming file digests with a selectable algorithm (md5, sha256, blake3)
//   - Validation of hex content hashes before they are used as file names
//   - Constant-time hash comparison to prevent timing side-channels
//   - KMS-backed signature verification of archive digests (ECDSA P-256/P-384, RSA-PSS)
package cryptoutil
