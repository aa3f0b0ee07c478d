// Package dispatch decodes the CBOR-bearing payload of a CTAPHID Cbor
// message, routes it to make_credential/get_assertion/get_info/reset (plus
// the client_pin/get_next_assertion capability stubs), and encodes the
// status-byte-prefixed CBOR response.
package dispatch

import (
	"errors"

	"github.com/nrehlein/ctaphid/authenticator"
	"github.com/nrehlein/ctaphid/cborcodec"
	"github.com/nrehlein/ctaphid/ctaptypes"
)

// Operation codes for the CTAP2 commands this dispatcher routes.
const (
	OpMakeCredential    byte = 0x01
	OpGetAssertion      byte = 0x02
	OpGetInfo           byte = 0x04
	OpClientPIN         byte = 0x06
	OpReset             byte = 0x07
	OpGetNextAssertion  byte = 0x08
	vendorOpRangeStart  byte = 0x40
	vendorOpRangeEnd    byte = 0x7F
)

// CTAP2 status bytes. Named constants rather than bare
// literals scattered through the handlers.
const (
	StatusSuccess              byte = 0x00
	StatusInvalidLength        byte = 0x03
	StatusUnsupportedAlgorithm byte = 0x26
	StatusUnsupportedOption    byte = 0x2C
	StatusPinNotSet            byte = 0x2D
	StatusNoCredentials        byte = 0x2E
	StatusOther                byte = 0x7F
)

// Dispatcher routes decoded CTAP2 operations to a Backend and encodes
// their responses.
type Dispatcher struct {
	Backend authenticator.Backend
}

// New returns a Dispatcher bound to backend.
func New(backend authenticator.Backend) *Dispatcher {
	return &Dispatcher{Backend: backend}
}

// Handle decodes payload's operation byte and routes it, returning a
// status byte and the CBOR response body (empty on non-success, or on
// reset/success-with-no-payload).
func (d *Dispatcher) Handle(payload []byte) (status byte, body []byte) {
	if len(payload) == 0 {
		return StatusOther, nil
	}
	op, rest := payload[0], payload[1:]

	switch {
	case op == OpMakeCredential:
		return d.makeCredential(rest)
	case op == OpGetAssertion:
		return d.getAssertion(rest)
	case op == OpGetInfo:
		return d.getInfo()
	case op == OpReset:
		return d.reset()
	case op == OpClientPIN:
		return StatusPinNotSet, nil
	case op == OpGetNextAssertion:
		return StatusNoCredentials, nil
	case op >= vendorOpRangeStart && op <= vendorOpRangeEnd:
		return StatusOther, nil
	default:
		return StatusOther, nil
	}
}

func (d *Dispatcher) makeCredential(payload []byte) (byte, []byte) {
	var params ctaptypes.MakeCredentialParameters
	if err := cborcodec.Unmarshal(payload, &params); err != nil {
		return StatusOther, nil
	}

	if len(params.ClientDataHash) != 32 {
		return StatusInvalidLength, nil
	}

	alg, ok := selectAlgorithm(params.PubKeyCredParams)
	if !ok {
		return StatusUnsupportedAlgorithm, nil
	}

	if params.Options != nil {
		if params.Options.ResidentKey != nil && *params.Options.ResidentKey {
			return StatusUnsupportedOption, nil
		}
		if params.Options.UserVerify != nil && *params.Options.UserVerify {
			return StatusUnsupportedOption, nil
		}
	}

	obj, err := d.Backend.MakeCredential(params, alg)
	if err != nil {
		return StatusOther, nil
	}

	body, err := cborcodec.Marshal(obj)
	if err != nil {
		return StatusOther, nil
	}
	return StatusSuccess, body
}

func (d *Dispatcher) getAssertion(payload []byte) (byte, []byte) {
	var params ctaptypes.GetAssertionParameters
	if err := cborcodec.Unmarshal(payload, &params); err != nil {
		return StatusOther, nil
	}

	if len(params.AllowList) == 0 {
		return StatusNoCredentials, nil
	}

	resp, err := d.Backend.GetAssertion(params, params.AllowList[0])
	if err != nil {
		if errors.Is(err, authenticator.ErrCredentialInvalid) {
			return StatusNoCredentials, nil
		}
		return StatusOther, nil
	}

	body, err := cborcodec.Marshal(resp)
	if err != nil {
		return StatusOther, nil
	}
	return StatusSuccess, body
}

func (d *Dispatcher) getInfo() (byte, []byte) {
	info := d.Backend.GetInfo()
	body, err := cborcodec.Marshal(info)
	if err != nil {
		return StatusOther, nil
	}
	return StatusSuccess, body
}

func (d *Dispatcher) reset() (byte, []byte) {
	if err := d.Backend.Reset(); err != nil {
		return StatusOther, nil
	}
	return StatusSuccess, nil
}

// selectAlgorithm scans candidates for a supported algorithm, preferring
// EdDSA over ES256 when both are present.
func selectAlgorithm(candidates []ctaptypes.PublicKeyCredentialParam) (ctaptypes.Algorithm, bool) {
	found := make(map[ctaptypes.Algorithm]bool)
	for _, c := range candidates {
		if alg, ok := ctaptypes.SupportedAlgorithm(c.Alg); ok {
			found[alg] = true
		}
	}
	if found[ctaptypes.AlgEdDSA] {
		return ctaptypes.AlgEdDSA, true
	}
	if found[ctaptypes.AlgES256] {
		return ctaptypes.AlgES256, true
	}
	return 0, false
}
