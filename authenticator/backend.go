// Package authenticator defines the capability surface the CTAP2 dispatcher
// calls into — get_info, make_credential, get_assertion, reset — and
// provides a RAM-backed reference implementation wired to ctapcrypto and
// ctaptypes. It replaces this tree's original host-side App Attest
// verifier: that code checked Apple attestation blobs presented by a
// client, a fundamentally different (and host-side, not device-side) job
// than serving a device's own CTAP2 operations. Its idioms — bounds-checked
// slicing, a decode-then-rebuild pass over authenticator data — carry over
// into ctaptypes.AuthenticatorData and bytevec rather than this file.
package authenticator

import (
	"errors"

	"github.com/nrehlein/ctaphid/ctaptypes"
)

// ErrCredentialInvalid is returned by Backend.GetAssertion when a
// presented credential id fails to authenticate against this device's
// master secret, or names an algorithm the device no longer supports.
var ErrCredentialInvalid = errors.New("authenticator: credential id invalid")

// Backend is the capability surface the dispatcher drives. Validation that
// belongs to the dispatcher itself (clientDataHash length, algorithm
// selection, option rejection, non-empty allowList) happens before Backend
// is called; Backend performs only the cryptographic and record-building
// work.
type Backend interface {
	GetInfo() ctaptypes.AuthenticatorInfo
	MakeCredential(params ctaptypes.MakeCredentialParameters, alg ctaptypes.Algorithm) (ctaptypes.AttestationObject, error)
	GetAssertion(params ctaptypes.GetAssertionParameters, credential ctaptypes.PublicKeyCredentialDescriptor) (ctaptypes.AssertionResponse, error)
	Reset() error
}
