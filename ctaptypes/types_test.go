package ctaptypes

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/nrehlein/ctaphid/cborcodec"
)

func TestAAGUIDRoundTripsThroughUUID(t *testing.T) {
	u := uuid.New()
	a := FromUUID(u)
	if a.UUID() != u {
		t.Fatalf("AAGUID round trip mismatch: got %s, want %s", a.UUID(), u)
	}
}

func TestAAGUIDMarshalsAsCBORByteString(t *testing.T) {
	a := AAGUID{0x01, 0x02, 0x03}
	enc, err := cborcodec.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// major type 2 (byte string), length 16: header 0x50, then 16 raw bytes.
	// A CBOR array of 16 integers (major type 4, the zero-value encoding
	// fxamacker/cbor would otherwise pick for a bare [16]byte) would instead
	// start with 0x90 and run much longer than 17 bytes.
	if len(enc) != 17 {
		t.Fatalf("encoded length = %d, want 17 (1 header + 16 content)", len(enc))
	}
	if enc[0] != 0x50 {
		t.Fatalf("header byte = %x, want 0x50 (byte string, length 16)", enc[0])
	}
	if !bytes.Equal(enc[1:], a[:]) {
		t.Fatalf("content = %x, want %x", enc[1:], a[:])
	}

	var decoded AAGUID
	if err := cborcodec.Unmarshal(enc, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != a {
		t.Fatalf("round trip mismatch: got %x, want %x", decoded, a)
	}
}

func TestAuthenticatorInfoEncodesAAGUIDAsByteStringOnTheWire(t *testing.T) {
	info := AuthenticatorInfo{
		Versions: []string{"FIDO_2_0"},
		AAGUID:   AAGUID{0xF1, 0xD0},
	}
	enc, err := cborcodec.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// The 17-byte CBOR-byte-string encoding of AAGUID (0x50 header + 16
	// content bytes) must appear verbatim inside the get_info response; a
	// real FIDO client (python-fido2/libfido2) rejects the 16-element-array
	// encoding fxamacker/cbor would otherwise produce for a bare [16]byte.
	var want [17]byte
	want[0] = 0x50
	copy(want[1:], info.AAGUID[:])
	if !bytes.Contains(enc, want[:]) {
		t.Fatalf("expected get_info bytes to contain byte-string-encoded aaguid %x, got %x", want, enc)
	}
}

func TestAuthenticatorInfoEncodesInDeclaredKeyOrder(t *testing.T) {
	maxMsg := uint(7609)
	info := AuthenticatorInfo{
		Versions:   []string{"FIDO_2_0"},
		AAGUID:     AAGUID{1, 2, 3},
		MaxMsgSize: &maxMsg,
	}
	enc, err := cborcodec.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Keys 1 (versions), 3 (aaguid), 5 (maxMsgSize) in that order:
	// A3 01 81 68 "FIDO_2_0" 03 50 <16-byte aaguid> 05 19 1D B9.
	if len(enc) != 34 || enc[0] != 0xA3 || enc[1] != 0x01 || enc[12] != 0x03 || enc[30] != 0x05 {
		t.Fatalf("unexpected map key layout: %x", enc)
	}

	var decoded AuthenticatorInfo
	if err := cborcodec.Unmarshal(enc, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Versions[0] != "FIDO_2_0" || decoded.AAGUID != info.AAGUID || *decoded.MaxMsgSize != maxMsg {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	// Extensions/Options/PinProtocols/MaxCredsInList/MaxCredIDLength were
	// never set, so omitempty must drop them from the wire bytes entirely.
	if decoded.Extensions != nil || decoded.Options != nil || decoded.MaxCredsInList != nil {
		t.Fatalf("expected omitted optional fields to decode as nil/zero: %+v", decoded)
	}
}

func TestAuthenticatorInfoIdenticalValuesProduceIdenticalBytes(t *testing.T) {
	info := AuthenticatorInfo{Versions: []string{"FIDO_2_0"}, AAGUID: AAGUID{9}}
	a, err := cborcodec.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	b, err := cborcodec.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected byte-identical encodings across runs")
	}
}

func TestAttestationObjectFieldOrderIsFmtAuthDataAttStmt(t *testing.T) {
	obj := AttestationObject{
		Fmt:      "packed",
		AuthData: []byte{1, 2, 3},
		AttStmt:  PackedAttestationStatement{Alg: -7, Sig: []byte{9}},
	}
	enc, err := cborcodec.Marshal(obj)
	if err != nil {
		t.Fatal(err)
	}
	fmtIdx := bytes.Index(enc, []byte("fmt"))
	authDataIdx := bytes.Index(enc, []byte("authData"))
	attStmtIdx := bytes.Index(enc, []byte("attStmt"))
	if !(fmtIdx < authDataIdx && authDataIdx < attStmtIdx) {
		t.Fatalf("expected fmt < authData < attStmt offsets, got %d %d %d", fmtIdx, authDataIdx, attStmtIdx)
	}
}

func TestSupportedAlgorithmPrefersNothingButRejectsUnknown(t *testing.T) {
	if _, ok := SupportedAlgorithm(-257); ok {
		t.Fatal("expected unknown algorithm to be rejected")
	}
	if alg, ok := SupportedAlgorithm(-8); !ok || alg != AlgEdDSA {
		t.Fatalf("expected EdDSA recognized, got %v %v", alg, ok)
	}
}

func TestAuthenticatorDataMarshalWithAttestedData(t *testing.T) {
	d := AuthenticatorData{
		Flags:     FlagUserPresent | FlagAttested,
		SignCount: 1,
		AttestedData: &AttestedCredentialData{
			AAGUID:        AAGUID{1},
			CredentialID:  []byte{0xAA, 0xBB},
			COSEPublicKey: []byte{0xCC},
		},
	}
	out, err := d.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	wantLen := 32 + 1 + 4 + 16 + 2 + 2 + 1
	if len(out) != wantLen {
		t.Fatalf("length = %d, want %d", len(out), wantLen)
	}
	if out[32] != byte(FlagUserPresent|FlagAttested) {
		t.Fatalf("flags byte = %x", out[32])
	}
	credIDLenOffset := 32 + 1 + 4 + 16
	if out[credIDLenOffset] != 0 || out[credIDLenOffset+1] != 2 {
		t.Fatalf("credIdLen field wrong: %v", out[credIDLenOffset:credIDLenOffset+2])
	}
}
