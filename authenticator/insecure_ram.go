package authenticator

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"

	"github.com/nrehlein/ctaphid/ctapcrypto"
	"github.com/nrehlein/ctaphid/ctaptypes"
)

// InsecureRAM is a reference Backend: credential material is derived
// deterministically from a master secret and never persisted beyond the
// process lifetime. It tracks signCount per credential in a plain map
// per credential id in a plain map rather than on durable storage, which is
// out of scope for this core.
type InsecureRAM struct {
	MasterSecret    []byte
	AAGUID          ctaptypes.AAGUID
	AttestationKey  *ecdsa.PrivateKey
	AttestationCert []byte

	signCounts map[string]uint32
}

// NewInsecureRAM constructs a Backend from provisioned device material.
// masterSecret must be at least 32 bytes (ctapcrypto.SealCredentialID's
// AES-256 key requirement).
func NewInsecureRAM(masterSecret []byte, aaguid ctaptypes.AAGUID, attestationKey *ecdsa.PrivateKey, attestationCert []byte) *InsecureRAM {
	return &InsecureRAM{
		MasterSecret:    masterSecret,
		AAGUID:          aaguid,
		AttestationKey:  attestationKey,
		AttestationCert: attestationCert,
		signCounts:      make(map[string]uint32),
	}
}

// GetInfo implements Backend. Options report no resident-key storage and
// no platform binding, matching this Backend's RAM-only, roaming-style
// credential model; user presence is always asserted since there is no
// user-verification collaborator in scope.
func (b *InsecureRAM) GetInfo() ctaptypes.AuthenticatorInfo {
	maxMsgSize := uint(7609)
	return ctaptypes.AuthenticatorInfo{
		Versions: []string{"FIDO_2_0"},
		AAGUID:   b.AAGUID,
		Options: &ctaptypes.CtapOptions{
			ResidentKey:  false,
			UserPresence: true,
			Platform:     false,
		},
		MaxMsgSize: &maxMsgSize,
	}
}

// Reset implements Backend. There is no durable state to clear; in-process
// sign counters are dropped so a reset device behaves as freshly
// provisioned for the remainder of the process lifetime.
func (b *InsecureRAM) Reset() error {
	b.signCounts = make(map[string]uint32)
	return nil
}

// MakeCredential implements Backend.
func (b *InsecureRAM) MakeCredential(params ctaptypes.MakeCredentialParameters, alg ctaptypes.Algorithm) (ctaptypes.AttestationObject, error) {
	var obj ctaptypes.AttestationObject

	seed := ctapcrypto.DeriveSeed(b.MasterSecret, []byte(params.RP.ID), params.User.ID)

	var cosePublicKey []byte
	switch alg {
	case ctaptypes.AlgEdDSA:
		pub, _ := ctapcrypto.Ed25519KeyPair(seed)
		enc, err := ctapcrypto.SerialiseCOSEEd25519(pub)
		if err != nil {
			return obj, fmt.Errorf("authenticator: serialise ed25519 cose key: %w", err)
		}
		cosePublicKey = enc
	case ctaptypes.AlgES256:
		priv, err := ctapcrypto.P256KeyPair(seed)
		if err != nil {
			return obj, fmt.Errorf("authenticator: derive p256 key: %w", err)
		}
		enc, err := ctapcrypto.SerialiseCOSEP256(&priv.PublicKey)
		if err != nil {
			return obj, fmt.Errorf("authenticator: serialise p256 cose key: %w", err)
		}
		cosePublicKey = enc
	default:
		return obj, fmt.Errorf("authenticator: unsupported algorithm %v", alg)
	}

	record := ctaptypes.CredentialIDRecord{
		UserID: params.User.ID,
		Alg:    int64(alg),
		Seed:   seed[:],
	}
	credentialID, err := ctapcrypto.SealCredentialID(b.MasterSecret, record)
	if err != nil {
		return obj, fmt.Errorf("authenticator: seal credential id: %w", err)
	}

	rpIDHash := sha256.Sum256([]byte(params.RP.ID))
	authData := ctaptypes.AuthenticatorData{
		RPIDHash:  rpIDHash,
		Flags:     ctaptypes.FlagUserPresent | ctaptypes.FlagAttested,
		SignCount: b.nextSignCount(credentialID),
		AttestedData: &ctaptypes.AttestedCredentialData{
			AAGUID:        b.AAGUID,
			CredentialID:  credentialID,
			COSEPublicKey: cosePublicKey,
		},
	}
	authDataBytes, err := authData.Marshal()
	if err != nil {
		return obj, fmt.Errorf("authenticator: marshal authData: %w", err)
	}

	digest := sha256.Sum256(append(append([]byte{}, authDataBytes...), params.ClientDataHash...))
	sigBuf := make([]byte, ctaptypes.SignatureLength)
	sig, err := ctapcrypto.SignP256(b.AttestationKey, digest[:], sigBuf)
	if err != nil {
		return obj, fmt.Errorf("authenticator: sign attestation statement: %w", err)
	}

	obj.Fmt = "packed"
	obj.AuthData = authDataBytes
	obj.AttStmt = ctaptypes.PackedAttestationStatement{
		Alg: int64(ctaptypes.AlgES256),
		Sig: sig,
		X5C: [][]byte{b.AttestationCert},
	}
	return obj, nil
}

// GetAssertion implements Backend. credential is the allowList entry the
// dispatcher selected; its ID is the opaque sealed credential id presented
// back by the host.
func (b *InsecureRAM) GetAssertion(params ctaptypes.GetAssertionParameters, credential ctaptypes.PublicKeyCredentialDescriptor) (ctaptypes.AssertionResponse, error) {
	var resp ctaptypes.AssertionResponse

	record, err := ctapcrypto.OpenCredentialID(b.MasterSecret, credential.ID)
	if err != nil {
		return resp, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	alg, ok := ctaptypes.SupportedAlgorithm(record.Alg)
	if !ok {
		return resp, fmt.Errorf("%w: unsupported algorithm %d in credential record", ErrCredentialInvalid, record.Alg)
	}

	var seed [ctapcrypto.SeedLength]byte
	if len(record.Seed) != len(seed) {
		return resp, fmt.Errorf("%w: seed length %d", ErrCredentialInvalid, len(record.Seed))
	}
	copy(seed[:], record.Seed)

	rpIDHash := sha256.Sum256([]byte(params.RPID))
	authData := ctaptypes.AuthenticatorData{
		RPIDHash:  rpIDHash,
		Flags:     ctaptypes.FlagUserPresent,
		SignCount: b.nextSignCount(credential.ID),
	}
	authDataBytes, err := authData.Marshal()
	if err != nil {
		return resp, fmt.Errorf("authenticator: marshal authData: %w", err)
	}

	digest := sha256.Sum256(append(append([]byte{}, authDataBytes...), params.ClientDataHash...))

	var signature []byte
	switch alg {
	case ctaptypes.AlgEdDSA:
		_, priv := ctapcrypto.Ed25519KeyPair(seed)
		signature = ctapcrypto.SignEd25519(priv, digest[:])
	case ctaptypes.AlgES256:
		priv, err := ctapcrypto.P256KeyPair(seed)
		if err != nil {
			return resp, fmt.Errorf("authenticator: derive p256 key: %w", err)
		}
		sigBuf := make([]byte, ctaptypes.SignatureLength)
		signature, err = ctapcrypto.SignP256(priv, digest[:], sigBuf)
		if err != nil {
			return resp, fmt.Errorf("authenticator: sign assertion: %w", err)
		}
	}

	resp.User = &ctaptypes.UserEntity{ID: record.UserID}
	resp.AuthData = authDataBytes
	resp.Signature = signature
	resp.Credential = &credential
	return resp, nil
}

func (b *InsecureRAM) nextSignCount(credentialID []byte) uint32 {
	key := string(credentialID)
	b.signCounts[key]++
	return b.signCounts[key]
}
