// Package ctapcrypto implements the minimal cryptographic producer:
// deterministic key derivation, COSE public-key encoding, and signature
// production in raw or DER form. SHA-256, SHA-512, Ed25519, and P-256 are
// consumed as opaque primitives from the standard library, matching how the
// rest of the module treats them as pre-existing external collaborators
// rather than something this package re-implements.
package ctapcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"github.com/nrehlein/ctaphid/cborcodec"
	"github.com/nrehlein/ctaphid/der"
	"github.com/nrehlein/ctaphid/ctaptypes"
)

// ErrSealedCredentialInvalid is returned by OpenCredentialID when the AEAD
// tag does not verify, meaning the presented credential id was never sealed
// by this device's master secret (or was tampered with in transit).
var ErrSealedCredentialInvalid = errors.New("ctapcrypto: credential id authentication failed")

// SeedLength is the size, in bytes, of a derived per-credential seed.
const SeedLength = 32

// DeriveSeed computes SHA-512(masterSecret || rpID || userID) then
// SHA-256(digest), producing a deterministic 32-byte seed used for both
// Ed25519 and P-256 key generation.
func DeriveSeed(masterSecret, rpID, userID []byte) [SeedLength]byte {
	h512 := sha512.New()
	h512.Write(masterSecret)
	h512.Write(rpID)
	h512.Write(userID)
	mid := h512.Sum(nil)

	return sha256.Sum256(mid)
}

// Ed25519KeyPair derives a deterministic Ed25519 key pair from seed.
func Ed25519KeyPair(seed [SeedLength]byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

// P256KeyPair derives a deterministic NIST P-256 key pair from seed, using
// the seed as the scalar reduced mod the curve order (ecdsa's standard
// construction from a fixed-size random source).
func P256KeyPair(seed [SeedLength]byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(seed[:])
	order := curve.Params().N
	d.Mod(d, order)
	if d.Sign() == 0 {
		return nil, fmt.Errorf("ctapcrypto: derived P-256 scalar is zero")
	}
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

// ParseP256PrivateKey constructs a P-256 private key from a raw 32-byte
// big-endian scalar, as provisioned for the device's fixed attestation key
// (unlike P256KeyPair, the scalar is used as-is rather than derived from a
// seed, and a scalar outside [1, N) is rejected rather than reduced).
func ParseP256PrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("ctapcrypto: P-256 scalar must be 32 bytes, got %d", len(raw))
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	order := curve.Params().N
	if d.Sign() == 0 || d.Cmp(order) >= 0 {
		return nil, fmt.Errorf("ctapcrypto: P-256 scalar out of range")
	}
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

// SerialiseCOSEEd25519 encodes a raw 32-byte Ed25519 public key as an
// OKP/EdDSA COSE key map.
func SerialiseCOSEEd25519(publicKey ed25519.PublicKey) ([]byte, error) {
	return cborcodec.Marshal(ctaptypes.NewCOSEKeyEd25519(publicKey))
}

// SerialiseCOSEP256 encodes a P-256 public key as an EC2/ES256 COSE key
// map, x and y each left-padded to 32 bytes.
func SerialiseCOSEP256(pub *ecdsa.PublicKey) ([]byte, error) {
	x := make([]byte, 32)
	y := make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return cborcodec.Marshal(ctaptypes.NewCOSEKeyP256(x, y))
}

// SignEd25519 returns the raw 64-byte Ed25519 signature over digest.
func SignEd25519(priv ed25519.PrivateKey, digest []byte) []byte {
	return ed25519.Sign(priv, digest)
}

// SignP256 signs the prehashed 32-byte digest and returns the minimal DER
// encoding of (r, s), written into buf.
func SignP256(priv *ecdsa.PrivateKey, digest []byte, buf []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, fmt.Errorf("ctapcrypto: ecdsa sign: %w", err)
	}
	rb := make([]byte, 32)
	sb := make([]byte, 32)
	r.FillBytes(rb)
	s.FillBytes(sb)
	return der.EncodeECDSASignature(buf, rb, sb)
}

// SealCredentialID CBOR-encodes {user_id, alg, seed} and seals it under
// AES-256-GCM keyed by the first 32 bytes of masterSecret, so a credential
// id presented back to the device in allowList can be authenticated rather
// than trusted blindly. Output is nonce || ciphertext || tag.
func SealCredentialID(masterSecret []byte, record ctaptypes.CredentialIDRecord) ([]byte, error) {
	block, err := aesBlock(masterSecret)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ctapcrypto: new gcm: %w", err)
	}

	plaintext, err := cborcodec.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("ctapcrypto: encode credential id record: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("ctapcrypto: read nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

// OpenCredentialID reverses SealCredentialID, returning
// ErrSealedCredentialInvalid if authentication fails.
func OpenCredentialID(masterSecret []byte, sealed []byte) (ctaptypes.CredentialIDRecord, error) {
	var record ctaptypes.CredentialIDRecord

	block, err := aesBlock(masterSecret)
	if err != nil {
		return record, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return record, fmt.Errorf("ctapcrypto: new gcm: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return record, ErrSealedCredentialInvalid
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return record, ErrSealedCredentialInvalid
	}

	if err := cborcodec.Unmarshal(plaintext, &record); err != nil {
		return record, fmt.Errorf("ctapcrypto: decode credential id record: %w", err)
	}
	return record, nil
}

func aesBlock(masterSecret []byte) (cipher.Block, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("ctapcrypto: master secret must be at least 32 bytes, got %d", len(masterSecret))
	}
	block, err := aes.NewCipher(masterSecret[:32])
	if err != nil {
		return nil, fmt.Errorf("ctapcrypto: new aes cipher: %w", err)
	}
	return block, nil
}
