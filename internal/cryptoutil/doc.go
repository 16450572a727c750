// Package cryptoutil provides the cryptographic primitives the server
// relies on:
//
//   - SHA-256 hashing for upload manifests
//   - constant-time hash comparison to prevent timing side-channels
//   - Argon2id password hashing (PHC-encoded) for protection rules
//   - KMS-backed sealing of small at-rest payloads
package cryptoutil
