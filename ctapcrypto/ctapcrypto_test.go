package ctapcrypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"testing"

	"github.com/nrehlein/ctaphid/cborcodec"
	"github.com/nrehlein/ctaphid/ctaptypes"
)

func TestDeriveSeedIsDeterministic(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 32)
	a := DeriveSeed(master, []byte("example.org"), []byte("alice"))
	b := DeriveSeed(master, []byte("example.org"), []byte("alice"))
	if a != b {
		t.Fatal("expected identical seeds for identical inputs")
	}
	c := DeriveSeed(master, []byte("example.org"), []byte("bob"))
	if a == c {
		t.Fatal("expected different seeds for different user ids")
	}
}

func TestEd25519SignVerifies(t *testing.T) {
	seed := DeriveSeed(bytes.Repeat([]byte{1}, 32), []byte("rp"), []byte("user"))
	pub, priv := Ed25519KeyPair(seed)
	digest := sha256.Sum256([]byte("message"))
	sig := SignEd25519(priv, digest[:])
	if len(sig) != 64 {
		t.Fatalf("ed25519 signature length = %d, want 64", len(sig))
	}
	if !ed25519.Verify(pub, digest[:], sig) {
		t.Fatal("signature failed to verify")
	}
}

func TestP256SignProducesParsableDER(t *testing.T) {
	seed := DeriveSeed(bytes.Repeat([]byte{2}, 32), []byte("rp"), []byte("user"))
	priv, err := P256KeyPair(seed)
	if err != nil {
		t.Fatalf("derive p256 key: %v", err)
	}
	digest := sha256.Sum256([]byte("message"))
	buf := make([]byte, 128)
	sig, err := SignP256(priv, digest[:], buf)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig[0] != 0x30 {
		t.Fatalf("expected DER SEQUENCE tag, got %x", sig[0])
	}
}

func TestSerialiseCOSEEd25519Fields(t *testing.T) {
	seed := DeriveSeed(bytes.Repeat([]byte{3}, 32), []byte("rp"), []byte("user"))
	pub, _ := Ed25519KeyPair(seed)
	enc, err := SerialiseCOSEEd25519(pub)
	if err != nil {
		t.Fatal(err)
	}
	var key ctaptypes.COSEKeyEd25519
	if err := cborcodec.Unmarshal(enc, &key); err != nil {
		t.Fatal(err)
	}
	if key.Kty != 1 || key.Alg != -8 || key.Crv != 6 {
		t.Fatalf("unexpected COSE key fields: %+v", key)
	}
	if !bytes.Equal(key.X, pub) {
		t.Fatal("COSE key x does not match public key bytes")
	}
}

func TestSealOpenCredentialIDRoundTrip(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 32)
	record := ctaptypes.CredentialIDRecord{UserID: []byte("alice"), Alg: -8, Seed: bytes.Repeat([]byte{9}, 32)}

	sealed, err := SealCredentialID(master, record)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	opened, err := OpenCredentialID(master, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened.UserID, record.UserID) || opened.Alg != record.Alg || !bytes.Equal(opened.Seed, record.Seed) {
		t.Fatalf("round trip mismatch: %+v", opened)
	}
}

func TestOpenCredentialIDRejectsTampering(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 32)
	record := ctaptypes.CredentialIDRecord{UserID: []byte("alice"), Alg: -8, Seed: bytes.Repeat([]byte{9}, 32)}
	sealed, err := SealCredentialID(master, record)
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := OpenCredentialID(master, tampered); err != ErrSealedCredentialInvalid {
		t.Fatalf("expected ErrSealedCredentialInvalid, got %v", err)
	}
}

func TestOpenCredentialIDRejectsWrongMasterSecret(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 32)
	other := bytes.Repeat([]byte{8}, 32)
	record := ctaptypes.CredentialIDRecord{UserID: []byte("alice"), Alg: -7, Seed: bytes.Repeat([]byte{9}, 32)}
	sealed, err := SealCredentialID(master, record)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := OpenCredentialID(other, sealed); err != ErrSealedCredentialInvalid {
		t.Fatalf("expected ErrSealedCredentialInvalid, got %v", err)
	}
}
