// Package scenarios implements the end-to-end wire scenarios wiring
// usbhid, pipe, dispatch, and authenticator together. Each Scenario is a
// self-contained run against a freshly constructed Pipe and LoopbackBus,
// usable both from package tests and from the ctaphid-sim CLI's exercise
// subcommand.
package scenarios

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/nrehlein/ctaphid/authenticator"
	"github.com/nrehlein/ctaphid/cborcodec"
	"github.com/nrehlein/ctaphid/ctapcrypto"
	"github.com/nrehlein/ctaphid/ctaptypes"
	"github.com/nrehlein/ctaphid/dispatch"
	"github.com/nrehlein/ctaphid/pipe"
	"github.com/nrehlein/ctaphid/usbhid"
)

// Scenario is one named, independently runnable end-to-end check.
type Scenario struct {
	Name string
	Run  func() error
}

// All returns every scenario, in order: the six original
// end-to-end scenarios plus the three expansion scenarios (channel busy,
// credential id tampering, client_pin/get_next_assertion stub codes).
func All() []Scenario {
	return []Scenario{
		{"init-on-broadcast", initOnBroadcast},
		{"ping-single-packet", pingSinglePacket},
		{"ping-fragmented-200-bytes", pingFragmented200Bytes},
		{"cbor-get-info", cborGetInfo},
		{"sequence-number-violation", sequenceNumberViolation},
		{"make-credential-then-get-assertion", makeCredentialThenGetAssertion},
		{"channel-busy", channelBusy},
		{"credential-id-tampering", credentialIDTampering},
		{"client-pin-and-get-next-assertion-stubs", clientPinAndGetNextAssertionStubs},
	}
}

func newTestRig() (*pipe.Pipe, *usbhid.LoopbackBus) {
	bus := usbhid.NewLoopbackBus()
	masterSecret := bytes.Repeat([]byte{0xA5}, 32)
	attestationSeed := sha256.Sum256([]byte("scenarios attestation key"))
	attestationKey, err := ctapcrypto.P256KeyPair(attestationSeed)
	if err != nil {
		panic(err)
	}
	backend := authenticator.NewInsecureRAM(
		masterSecret,
		ctaptypes.AAGUID{0xF1, 0xD0},
		attestationKey,
		nil,
	)
	d := dispatch.New(backend)
	return pipe.New(bus, d), bus
}

func initPacket(channel uint32, cmd pipe.Command, payload []byte) [usbhid.PacketSize]byte {
	var p [usbhid.PacketSize]byte
	binary.BigEndian.PutUint32(p[0:4], channel)
	p[4] = byte(cmd) | 0x80
	binary.BigEndian.PutUint16(p[5:7], uint16(len(payload)))
	copy(p[7:], payload)
	return p
}

func contPacket(channel uint32, seq byte, payload []byte) [usbhid.PacketSize]byte {
	var p [usbhid.PacketSize]byte
	binary.BigEndian.PutUint32(p[0:4], channel)
	p[4] = seq
	copy(p[5:], payload)
	return p
}

// allocateChannel drives the INIT handshake and returns the allocated
// channel id.
func allocateChannel(p *pipe.Pipe, bus *usbhid.LoopbackBus) (uint32, error) {
	nonce := bytes.Repeat([]byte{0xAA}, 8)
	bus.Submit(initPacket(pipe.ChannelBroadcast, pipe.CmdInit, nonce))
	p.Poll()
	out := bus.Collect()
	if len(out) != 1 {
		return 0, fmt.Errorf("expected 1 init response packet, got %d", len(out))
	}
	if !bytes.Equal(out[0][7:15], nonce) {
		return 0, fmt.Errorf("nonce not echoed: %x", out[0][7:15])
	}
	return binary.BigEndian.Uint32(out[0][15:19]), nil
}

func initOnBroadcast() error {
	p, bus := newTestRig()
	nonce := bytes.Repeat([]byte{0xAA}, 8)
	bus.Submit(initPacket(pipe.ChannelBroadcast, pipe.CmdInit, nonce))
	p.Poll()

	out := bus.Collect()
	if len(out) != 1 {
		return fmt.Errorf("expected 1 response packet, got %d", len(out))
	}
	resp := out[0]
	if binary.BigEndian.Uint32(resp[0:4]) != pipe.ChannelBroadcast {
		return fmt.Errorf("response not addressed to broadcast channel")
	}
	if resp[4] != byte(pipe.CmdInit)|0x80 {
		return fmt.Errorf("command byte = %x", resp[4])
	}
	if binary.BigEndian.Uint16(resp[5:7]) != 17 {
		return fmt.Errorf("response length != 17")
	}
	if !bytes.Equal(resp[7:15], nonce) {
		return fmt.Errorf("nonce not echoed")
	}
	newChannel := binary.BigEndian.Uint32(resp[15:19])
	if newChannel == pipe.ChannelIllegal || newChannel == pipe.ChannelBroadcast {
		return fmt.Errorf("allocated reserved channel %x", newChannel)
	}
	if resp[23] != (1<<0)|(1<<2) {
		return fmt.Errorf("capability byte = %x, want WINK|CBOR", resp[23])
	}
	return nil
}

func pingSinglePacket() error {
	p, bus := newTestRig()
	channel, err := allocateChannel(p, bus)
	if err != nil {
		return err
	}
	payload := []byte("Hello")
	bus.Submit(initPacket(channel, pipe.CmdPing, payload))
	p.Poll()
	out := bus.Collect()
	if len(out) != 1 {
		return fmt.Errorf("expected 1 response packet, got %d", len(out))
	}
	if !bytes.Equal(out[0][7:7+len(payload)], payload) {
		return fmt.Errorf("ping payload not echoed: %x", out[0][7:7+len(payload)])
	}
	return nil
}

func pingFragmented200Bytes() error {
	p, bus := newTestRig()
	channel, err := allocateChannel(p, bus)
	if err != nil {
		return err
	}
	payload := bytes.Repeat([]byte{0x77}, 200)

	bus.Submit(initPacket(channel, pipe.CmdPing, payload[:57]))
	bus.Submit(contPacket(channel, 0, payload[57:116]))
	bus.Submit(contPacket(channel, 1, payload[116:175]))
	bus.Submit(contPacket(channel, 2, payload[175:200]))
	for i := 0; i < 4; i++ {
		p.Poll()
	}

	var reassembled []byte
	var gotSequences []byte
	for i := 0; i < 10 && len(reassembled) < len(payload); i++ {
		p.Poll()
		for _, pkt := range bus.Collect() {
			if len(reassembled) == 0 {
				length := int(binary.BigEndian.Uint16(pkt[5:7]))
				n := min(57, length)
				reassembled = append(reassembled, pkt[7:7+n]...)
			} else {
				remaining := len(payload) - len(reassembled)
				n := min(59, remaining)
				reassembled = append(reassembled, pkt[5:5+n]...)
				gotSequences = append(gotSequences, pkt[4])
			}
		}
	}
	if !bytes.Equal(reassembled, payload) {
		return fmt.Errorf("reassembled response mismatch: got %d bytes, want %d", len(reassembled), len(payload))
	}
	for i, seq := range gotSequences {
		if seq != byte(i) {
			return fmt.Errorf("continuation sequence[%d] = %d, want %d", i, seq, i)
		}
	}
	return nil
}

func cborGetInfo() error {
	p, bus := newTestRig()
	channel, err := allocateChannel(p, bus)
	if err != nil {
		return err
	}
	bus.Submit(initPacket(channel, pipe.CmdCbor, []byte{dispatch.OpGetInfo}))
	p.Poll()
	out := bus.Collect()
	if len(out) != 1 {
		return fmt.Errorf("expected 1 response packet, got %d", len(out))
	}
	length := int(binary.BigEndian.Uint16(out[0][5:7]))
	body := out[0][7 : 7+length]
	if body[0] != dispatch.StatusSuccess {
		return fmt.Errorf("status = %x, want success", body[0])
	}
	var info ctaptypes.AuthenticatorInfo
	if err := cborcodec.Unmarshal(body[1:], &info); err != nil {
		return fmt.Errorf("decode get_info response: %w", err)
	}
	if len(info.Versions) != 1 || info.Versions[0] != "FIDO_2_0" {
		return fmt.Errorf("unexpected versions: %v", info.Versions)
	}
	if info.Options == nil || info.Options.ResidentKey || !info.Options.UserPresence || info.Options.Platform {
		return fmt.Errorf("unexpected options: %+v", info.Options)
	}
	if info.MaxMsgSize == nil || *info.MaxMsgSize != pipe.MessageSize {
		return fmt.Errorf("unexpected max_msg_size: %v", info.MaxMsgSize)
	}

	// The aaguid field must be a CBOR byte string (0x50 header + 16 raw
	// bytes), not the 16-element integer array fxamacker/cbor would produce
	// for a bare [16]byte with no Marshaler override; a real FIDO client
	// rejects the array form.
	var wantAAGUIDBytes [17]byte
	wantAAGUIDBytes[0] = 0x50
	copy(wantAAGUIDBytes[1:], info.AAGUID[:])
	if !bytes.Contains(body[1:], wantAAGUIDBytes[:]) {
		return fmt.Errorf("get_info response does not contain byte-string-encoded aaguid %x", wantAAGUIDBytes)
	}
	return nil
}

func sequenceNumberViolation() error {
	p, bus := newTestRig()
	channel, err := allocateChannel(p, bus)
	if err != nil {
		return err
	}
	payload := bytes.Repeat([]byte{0x01}, 100)
	bus.Submit(initPacket(channel, pipe.CmdPing, payload[:57]))
	bus.Submit(contPacket(channel, 5, payload[57:]))
	p.Poll()
	p.Poll()

	if len(bus.Collect()) != 0 {
		return fmt.Errorf("expected no response after sequence mismatch")
	}

	bus.Submit(initPacket(channel, pipe.CmdPing, []byte("after")))
	p.Poll()
	out := bus.Collect()
	if len(out) != 1 || !bytes.Equal(out[0][7:12], []byte("after")) {
		return fmt.Errorf("pipe did not return to Idle after sequence mismatch")
	}
	return nil
}

func makeCredentialThenGetAssertion() error {
	p, bus := newTestRig()
	channel, err := allocateChannel(p, bus)
	if err != nil {
		return err
	}

	clientDataHash1 := bytes.Repeat([]byte{0x11}, 32)
	mcParams := ctaptypes.MakeCredentialParameters{
		ClientDataHash:   clientDataHash1,
		RP:               ctaptypes.RelyingPartyEntity{ID: "example.org"},
		User:             ctaptypes.UserEntity{ID: []byte("alice")},
		PubKeyCredParams: []ctaptypes.PublicKeyCredentialParam{{Type: "public-key", Alg: -8}},
	}
	mcBody, err := cborcodec.Marshal(mcParams)
	if err != nil {
		return fmt.Errorf("encode make_credential params: %w", err)
	}
	payload := append([]byte{dispatch.OpMakeCredential}, mcBody...)
	if err := sendCBOR(p, bus, channel, payload); err != nil {
		return err
	}
	status, body, err := recvCBOR(p, bus)
	if err != nil {
		return err
	}
	if status != dispatch.StatusSuccess {
		return fmt.Errorf("make_credential status = %x", status)
	}
	var obj ctaptypes.AttestationObject
	if err := cborcodec.Unmarshal(body, &obj); err != nil {
		return fmt.Errorf("decode attestation object: %w", err)
	}
	if obj.Fmt != "packed" {
		return fmt.Errorf("fmt = %q, want packed", obj.Fmt)
	}

	credentialID, cosePublicKey, err := splitAttestedCredentialData(obj.AuthData)
	if err != nil {
		return err
	}

	clientDataHash2 := bytes.Repeat([]byte{0x22}, 32)
	gaParams := ctaptypes.GetAssertionParameters{
		RPID:           "example.org",
		ClientDataHash: clientDataHash2,
		AllowList:      []ctaptypes.PublicKeyCredentialDescriptor{{Type: "public-key", ID: credentialID}},
	}
	gaBody, err := cborcodec.Marshal(gaParams)
	if err != nil {
		return fmt.Errorf("encode get_assertion params: %w", err)
	}
	payload = append([]byte{dispatch.OpGetAssertion}, gaBody...)
	if err := sendCBOR(p, bus, channel, payload); err != nil {
		return err
	}
	status, body, err = recvCBOR(p, bus)
	if err != nil {
		return err
	}
	if status != dispatch.StatusSuccess {
		return fmt.Errorf("get_assertion status = %x", status)
	}
	var resp ctaptypes.AssertionResponse
	if err := cborcodec.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode assertion response: %w", err)
	}

	var cose ctaptypes.COSEKeyEd25519
	if err := cborcodec.Unmarshal(cosePublicKey, &cose); err != nil {
		return fmt.Errorf("decode cose public key: %w", err)
	}
	digest := sha256.Sum256(append(append([]byte{}, resp.AuthData...), clientDataHash2...))
	if !ed25519.Verify(ed25519.PublicKey(cose.X), digest[:], resp.Signature) {
		return fmt.Errorf("assertion signature did not verify")
	}
	return nil
}

func channelBusy() error {
	p, bus := newTestRig()
	owning, err := allocateChannel(p, bus)
	if err != nil {
		return err
	}
	other, err := allocateChannel(p, bus)
	if err != nil {
		return err
	}

	bus.Submit(initPacket(owning, pipe.CmdPing, bytes.Repeat([]byte{1}, 58)))
	p.Poll()
	bus.Collect()

	bus.Submit(initPacket(other, pipe.CmdPing, []byte("hi")))
	p.Poll()
	out := bus.Collect()
	if len(out) != 1 {
		return fmt.Errorf("expected 1 busy-error packet, got %d", len(out))
	}
	if out[0][4] != byte(pipe.CmdError)|0x80 {
		return fmt.Errorf("expected Error command, got %x", out[0][4])
	}
	if out[0][7] != pipe.ErrChannelBusy {
		return fmt.Errorf("expected ERR_CHANNEL_BUSY, got %x", out[0][7])
	}
	if binary.BigEndian.Uint32(out[0][0:4]) != other {
		return fmt.Errorf("busy error not addressed to rejected channel")
	}
	return nil
}

func credentialIDTampering() error {
	p, bus := newTestRig()
	channel, err := allocateChannel(p, bus)
	if err != nil {
		return err
	}

	mcParams := ctaptypes.MakeCredentialParameters{
		ClientDataHash:   bytes.Repeat([]byte{0x11}, 32),
		RP:               ctaptypes.RelyingPartyEntity{ID: "example.org"},
		User:             ctaptypes.UserEntity{ID: []byte("bob")},
		PubKeyCredParams: []ctaptypes.PublicKeyCredentialParam{{Type: "public-key", Alg: -8}},
	}
	mcBody, err := cborcodec.Marshal(mcParams)
	if err != nil {
		return err
	}
	if err := sendCBOR(p, bus, channel, append([]byte{dispatch.OpMakeCredential}, mcBody...)); err != nil {
		return err
	}
	status, body, err := recvCBOR(p, bus)
	if err != nil {
		return err
	}
	if status != dispatch.StatusSuccess {
		return fmt.Errorf("make_credential status = %x", status)
	}
	var obj ctaptypes.AttestationObject
	if err := cborcodec.Unmarshal(body, &obj); err != nil {
		return err
	}
	credentialID, _, err := splitAttestedCredentialData(obj.AuthData)
	if err != nil {
		return err
	}
	tampered := append([]byte(nil), credentialID...)
	tampered[0] ^= 0xFF

	gaParams := ctaptypes.GetAssertionParameters{
		RPID:           "example.org",
		ClientDataHash: bytes.Repeat([]byte{0x22}, 32),
		AllowList:      []ctaptypes.PublicKeyCredentialDescriptor{{Type: "public-key", ID: tampered}},
	}
	gaBody, err := cborcodec.Marshal(gaParams)
	if err != nil {
		return err
	}
	if err := sendCBOR(p, bus, channel, append([]byte{dispatch.OpGetAssertion}, gaBody...)); err != nil {
		return err
	}
	status, _, err = recvCBOR(p, bus)
	if err != nil {
		return err
	}
	if status != dispatch.StatusNoCredentials && status != dispatch.StatusOther {
		return fmt.Errorf("tampered credential id status = %x, want NoCredentials or Other", status)
	}
	return nil
}

func clientPinAndGetNextAssertionStubs() error {
	p, bus := newTestRig()
	channel, err := allocateChannel(p, bus)
	if err != nil {
		return err
	}

	bus.Submit(initPacket(channel, pipe.CmdCbor, []byte{dispatch.OpClientPIN}))
	p.Poll()
	status, body, err := recvCBOR(p, bus)
	if err != nil {
		return err
	}
	if status != dispatch.StatusPinNotSet || len(body) != 0 {
		return fmt.Errorf("client_pin status=%x body=%x, want PinNotSet with no payload", status, body)
	}

	bus.Submit(initPacket(channel, pipe.CmdCbor, []byte{dispatch.OpGetNextAssertion}))
	p.Poll()
	status, body, err = recvCBOR(p, bus)
	if err != nil {
		return err
	}
	if status != dispatch.StatusNoCredentials || len(body) != 0 {
		return fmt.Errorf("get_next_assertion status=%x body=%x, want NoCredentials with no payload", status, body)
	}
	return nil
}

// sendCBOR submits a single-or-multi-packet Cbor request and drives enough
// polls to complete reassembly and dispatch.
func sendCBOR(p *pipe.Pipe, bus *usbhid.LoopbackBus, channel uint32, payload []byte) error {
	if len(payload) <= 57 {
		bus.Submit(initPacket(channel, pipe.CmdCbor, payload))
		p.Poll()
		return nil
	}
	bus.Submit(initPacket(channel, pipe.CmdCbor, payload[:57]))
	remaining := payload[57:]
	seq := byte(0)
	for len(remaining) > 0 {
		n := min(59, len(remaining))
		bus.Submit(contPacket(channel, seq, remaining[:n]))
		remaining = remaining[n:]
		seq++
	}
	packets := 1 + int(seq)
	for i := 0; i < packets; i++ {
		p.Poll()
	}
	return nil
}

// recvCBOR drains enough polls/collects to reassemble a (possibly
// fragmented) Cbor response and returns its status byte and body.
func recvCBOR(p *pipe.Pipe, bus *usbhid.LoopbackBus) (byte, []byte, error) {
	var reassembled []byte
	var total int = -1
	for i := 0; i < 200 && (total < 0 || len(reassembled) < total); i++ {
		p.Poll()
		for _, pkt := range bus.Collect() {
			if total < 0 {
				total = int(binary.BigEndian.Uint16(pkt[5:7]))
				n := min(57, total)
				reassembled = append(reassembled, pkt[7:7+n]...)
			} else {
				remaining := total - len(reassembled)
				n := min(59, remaining)
				reassembled = append(reassembled, pkt[5:5+n]...)
			}
		}
	}
	if total < 0 {
		return 0, nil, fmt.Errorf("no response received")
	}
	if len(reassembled) == 0 {
		return 0, nil, fmt.Errorf("empty response")
	}
	return reassembled[0], reassembled[1:], nil
}

// splitAttestedCredentialData reads aaguid[16]||credIdLen[2 BE]||credId||
// cosePublicKey out of a raw authData blob produced with FlagAttested set.
func splitAttestedCredentialData(authData []byte) (credentialID, cosePublicKey []byte, err error) {
	const fixedPrefix = 32 + 1 + 4 + 16
	if len(authData) < fixedPrefix+2 {
		return nil, nil, fmt.Errorf("authData too short for attested credential data")
	}
	credIDLen := int(binary.BigEndian.Uint16(authData[fixedPrefix : fixedPrefix+2]))
	start := fixedPrefix + 2
	if len(authData) < start+credIDLen {
		return nil, nil, fmt.Errorf("authData truncated before end of credential id")
	}
	credentialID = authData[start : start+credIDLen]
	cosePublicKey = authData[start+credIDLen:]
	return credentialID, cosePublicKey, nil
}
