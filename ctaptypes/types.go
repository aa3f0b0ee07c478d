// Package ctaptypes defines the wire records the dispatcher decodes and
// encodes: AuthenticatorInfo, MakeCredentialParameters,
// GetAssertionParameters, AttestationObject, AssertionResponse, credential
// descriptors, and COSE key maps. Every struct uses fxamacker/cbor
// `keyasint`/text-key tags in the exact declared order the wire format
// requires; cborcodec is what turns that declaration order into bytes.
package ctaptypes

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// AAGUID identifies the authenticator model. It is, byte-for-byte, a UUID;
// config parses it from a UUID-formatted string and the dispatcher copies
// it verbatim into AuthenticatorInfo and attestedCredentialData.
type AAGUID [16]byte

// FromUUID converts a google/uuid.UUID into an AAGUID.
func FromUUID(u uuid.UUID) AAGUID {
	var a AAGUID
	copy(a[:], u[:])
	return a
}

// UUID converts the AAGUID back to a google/uuid.UUID.
func (a AAGUID) UUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], a[:])
	return u
}

func (a AAGUID) String() string { return a.UUID().String() }

// MarshalCBOR encodes AAGUID as a CBOR byte string (major type 2), the wire
// form CTAP2's get_info response requires. Without this, fxamacker/cbor
// would encode the underlying [16]byte array as a CBOR array of 16
// integers (major type 4) instead.
func (a AAGUID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(a[:])
}

// UnmarshalCBOR decodes a CBOR byte string into AAGUID.
func (a *AAGUID) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("ctaptypes: unmarshal aaguid: %w", err)
	}
	if len(b) != 16 {
		return fmt.Errorf("ctaptypes: aaguid must be 16 bytes, got %d", len(b))
	}
	copy(a[:], b)
	return nil
}

// CtapOptions mirrors the CTAP2 "options" map: rk/up/plat are always
// present, uv and clientPin are omitted unless the authenticator supports
// them.
type CtapOptions struct {
	ResidentKey    bool  `cbor:"rk"`
	UserPresence   bool  `cbor:"up"`
	Platform       bool  `cbor:"plat"`
	UserVerify     *bool `cbor:"uv,omitempty"`
	ClientPinState *bool `cbor:"clientPin,omitempty"`
}

// AuthenticatorInfo is the get_info response record. Field order below is
// the wire order: 1 versions, 2 extensions, 3 aaguid, 4 options,
// 5 maxMsgSize, 6 pinProtocols, plus the supplemental 7 maxCredsInList and
// 8 maxCredIDLength CTAP2 advertises alongside the core fields.
type AuthenticatorInfo struct {
	Versions        []string     `cbor:"1,keyasint"`
	Extensions      []string     `cbor:"2,keyasint,omitempty"`
	AAGUID          AAGUID       `cbor:"3,keyasint"`
	Options         *CtapOptions `cbor:"4,keyasint,omitempty"`
	MaxMsgSize      *uint        `cbor:"5,keyasint,omitempty"`
	PinProtocols    []uint       `cbor:"6,keyasint,omitempty"`
	MaxCredsInList  *uint        `cbor:"7,keyasint,omitempty"`
	MaxCredIDLength *uint        `cbor:"8,keyasint,omitempty"`
}

// RelyingPartyEntity is the "rp" member of MakeCredentialParameters.
type RelyingPartyEntity struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name,omitempty"`
}

// UserEntity is the "user" member of MakeCredentialParameters and the
// reconstructed user returned in AssertionResponse.
type UserEntity struct {
	ID          []byte `cbor:"id"`
	Name        string `cbor:"name,omitempty"`
	DisplayName string `cbor:"displayName,omitempty"`
}

// PublicKeyCredentialParam names one requested/supported algorithm.
type PublicKeyCredentialParam struct {
	Type string `cbor:"type"`
	Alg  int64  `cbor:"alg"`
}

// PublicKeyCredentialDescriptor identifies a credential by id in
// excludeList/allowList and in AssertionResponse.
type PublicKeyCredentialDescriptor struct {
	Type string `cbor:"type"`
	ID   []byte `cbor:"id"`
}

// MakeCredentialOptions is the optional "options" member of
// MakeCredentialParameters.
type MakeCredentialOptions struct {
	ResidentKey *bool `cbor:"rk,omitempty"`
	UserVerify  *bool `cbor:"uv,omitempty"`
}

// MakeCredentialParameters is the decoded make_credential request.
type MakeCredentialParameters struct {
	ClientDataHash   []byte                          `cbor:"1,keyasint"`
	RP               RelyingPartyEntity              `cbor:"2,keyasint"`
	User             UserEntity                      `cbor:"3,keyasint"`
	PubKeyCredParams []PublicKeyCredentialParam      `cbor:"4,keyasint"`
	ExcludeList      []PublicKeyCredentialDescriptor `cbor:"5,keyasint,omitempty"`
	Extensions       map[string]interface{}          `cbor:"6,keyasint,omitempty"`
	Options          *MakeCredentialOptions          `cbor:"7,keyasint,omitempty"`
	PinAuth          []byte                          `cbor:"8,keyasint,omitempty"`
	PinProtocol      *uint                           `cbor:"9,keyasint,omitempty"`
}

// GetAssertionParameters is the decoded get_assertion request.
type GetAssertionParameters struct {
	RPID            string                          `cbor:"1,keyasint"`
	ClientDataHash  []byte                          `cbor:"2,keyasint"`
	AllowList       []PublicKeyCredentialDescriptor `cbor:"3,keyasint,omitempty"`
	Extensions      map[string]interface{}          `cbor:"4,keyasint,omitempty"`
}

// PackedAttestationStatement is the "attStmt" member of AttestationObject
// for the "packed" format.
type PackedAttestationStatement struct {
	Alg int64    `cbor:"alg"`
	Sig []byte   `cbor:"sig"`
	X5C [][]byte `cbor:"x5c,omitempty"`
}

// AttestationObject is the make_credential success response. Declared
// field order (fmt, authData, attStmt) is the wire order peer parsers
// require; it is not the same order RFC 7049 canonical map-key sort would
// produce for these text keys.
type AttestationObject struct {
	Fmt      string                      `cbor:"fmt"`
	AuthData []byte                      `cbor:"authData"`
	AttStmt  PackedAttestationStatement  `cbor:"attStmt"`
}

// AssertionResponse is the get_assertion success response. Declared order
// follows the field list as given: user, authData, signature, credential,
// numberOfCredentials.
type AssertionResponse struct {
	User                *UserEntity                    `cbor:"user,omitempty"`
	AuthData            []byte                          `cbor:"authData"`
	Signature           []byte                          `cbor:"signature"`
	Credential          *PublicKeyCredentialDescriptor `cbor:"credential,omitempty"`
	NumberOfCredentials *int                            `cbor:"numberOfCredentials,omitempty"`
}

// CredentialIDRecord is the plaintext {user_id, alg, seed} record that
// ctapcrypto seals into an opaque credential id.
type CredentialIDRecord struct {
	UserID []byte `cbor:"1,keyasint"`
	Alg    int64  `cbor:"2,keyasint"`
	Seed   []byte `cbor:"3,keyasint"`
}

// Algorithm identifies the two COSE algorithms this authenticator supports.
type Algorithm int64

const (
	AlgES256 Algorithm = -7
	AlgEdDSA Algorithm = -8
)

// SupportedAlgorithm reports whether alg is one this authenticator can use,
// returning it typed.
func SupportedAlgorithm(alg int64) (Algorithm, bool) {
	switch Algorithm(alg) {
	case AlgES256, AlgEdDSA:
		return Algorithm(alg), true
	default:
		return 0, false
	}
}

func (a Algorithm) String() string {
	switch a {
	case AlgES256:
		return "ES256"
	case AlgEdDSA:
		return "EdDSA"
	default:
		return fmt.Sprintf("Algorithm(%d)", int64(a))
	}
}
