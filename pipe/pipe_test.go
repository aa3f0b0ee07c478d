package pipe

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/nrehlein/ctaphid/dispatch"
	"github.com/nrehlein/ctaphid/ctaptypes"
	"github.com/nrehlein/ctaphid/usbhid"
)

type stubBackend struct {
	info ctaptypes.AuthenticatorInfo
}

func (s *stubBackend) GetInfo() ctaptypes.AuthenticatorInfo { return s.info }
func (s *stubBackend) MakeCredential(ctaptypes.MakeCredentialParameters, ctaptypes.Algorithm) (ctaptypes.AttestationObject, error) {
	return ctaptypes.AttestationObject{}, nil
}
func (s *stubBackend) GetAssertion(ctaptypes.GetAssertionParameters, ctaptypes.PublicKeyCredentialDescriptor) (ctaptypes.AssertionResponse, error) {
	return ctaptypes.AssertionResponse{}, nil
}
func (s *stubBackend) Reset() error { return nil }

func newTestPipe() (*Pipe, *usbhid.LoopbackBus) {
	bus := usbhid.NewLoopbackBus()
	d := dispatch.New(&stubBackend{})
	return New(bus, d), bus
}

func initPacket(channel uint32, cmd Command, payload []byte) [usbhid.PacketSize]byte {
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

func TestInitOnBroadcastAllocatesChannel(t *testing.T) {
	p, bus := newTestPipe()
	bus.Submit(initPacket(ChannelBroadcast, CmdInit, bytes.Repeat([]byte{0xAA}, 8)))

	p.Poll()

	out := bus.Collect()
	if len(out) != 1 {
		t.Fatalf("expected one response packet, got %d", len(out))
	}
	resp := out[0]
	if resp[4] != byte(CmdInit)|0x80 {
		t.Fatalf("command byte = %x", resp[4])
	}
	length := binary.BigEndian.Uint16(resp[5:7])
	if length != 17 {
		t.Fatalf("init response length = %d, want 17", length)
	}
	if !bytes.Equal(resp[7:15], bytes.Repeat([]byte{0xAA}, 8)) {
		t.Fatalf("nonce not echoed: %x", resp[7:15])
	}
	newChannel := binary.BigEndian.Uint32(resp[15:19])
	if newChannel == ChannelIllegal || newChannel == ChannelBroadcast {
		t.Fatalf("allocated reserved channel %x", newChannel)
	}
}

func TestPingEchoesPayload(t *testing.T) {
	p, bus := newTestPipe()
	bus.Submit(initPacket(0x01020304, CmdPing, []byte("hello")))
	p.Poll()
	out := bus.Collect()
	if len(out) != 1 {
		t.Fatalf("expected one packet, got %d", len(out))
	}
	if !bytes.Equal(out[0][7:12], []byte("hello")) {
		t.Fatalf("ping payload not echoed: %x", out[0][7:12])
	}
}

func TestWinkInvokesHookAndRespondsEmpty(t *testing.T) {
	p, bus := newTestPipe()
	called := false
	p.OnWink = func() { called = true }
	bus.Submit(initPacket(0x01020304, CmdWink, nil))
	p.Poll()
	if !called {
		t.Fatal("expected OnWink hook to be invoked")
	}
	out := bus.Collect()
	if binary.BigEndian.Uint16(out[0][5:7]) != 0 {
		t.Fatalf("expected zero-length wink response")
	}
}

func TestFragmentedRequestReassemblesAcrossContinuationPackets(t *testing.T) {
	p, bus := newTestPipe()
	channel := uint32(0x11223344)
	payload := bytes.Repeat([]byte{0x5A}, 100)

	bus.Submit(initPacket(channel, CmdPing, payload[:57]))
	bus.Submit(contPacket(channel, 0, payload[57:]))

	p.Poll()
	p.Poll()

	out := bus.Collect()
	if len(out) != 1 {
		t.Fatalf("expected only the first response fragment after two polls, got %d packets", len(out))
	}
	got := append(append([]byte{}, out[0][7:64]...))
	if !bytes.Equal(got, payload[:57]) {
		t.Fatalf("first response packet payload mismatch")
	}
}

func TestFragmentedResponseSpansMultiplePackets(t *testing.T) {
	p, bus := newTestPipe()
	channel := uint32(0x11223344)
	payload := bytes.Repeat([]byte{0x77}, 200)

	bus.Submit(initPacket(channel, CmdPing, payload[:57]))
	bus.Submit(contPacket(channel, 0, payload[57:116]))
	bus.Submit(contPacket(channel, 1, payload[116:175]))
	bus.Submit(contPacket(channel, 2, payload[175:200]))

	for i := 0; i < 4; i++ {
		p.Poll()
	}

	// Response reassembly kicks off once the pipe has dispatched; drain
	// enough send-side polls to flush every fragment.
	var reassembled []byte
	for i := 0; i < 10 && len(reassembled) < 200; i++ {
		p.Poll()
		for _, pkt := range bus.Collect() {
			if len(reassembled) == 0 {
				length := int(binary.BigEndian.Uint16(pkt[5:7]))
				n := min(57, length)
				reassembled = append(reassembled, pkt[7:7+n]...)
			} else {
				remaining := 200 - len(reassembled)
				n := min(59, remaining)
				reassembled = append(reassembled, pkt[5:5+n]...)
			}
		}
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatalf("reassembled response mismatch: got %d bytes, want %d", len(reassembled), len(payload))
	}
}

func TestSequenceMismatchAbortsAndReturnsToIdle(t *testing.T) {
	p, bus := newTestPipe()
	channel := uint32(0x11223344)
	payload := bytes.Repeat([]byte{0x01}, 100)

	bus.Submit(initPacket(channel, CmdPing, payload[:57]))
	bus.Submit(contPacket(channel, 5, payload[57:])) // wrong sequence

	p.Poll()
	p.Poll()

	if p.state != stateIdle {
		t.Fatalf("expected pipe to return to Idle after sequence mismatch, got state %v", p.state)
	}
	if len(bus.Collect()) != 0 {
		t.Fatal("expected no response after aborted transaction")
	}
}

func TestInitOnOtherChannelWhileBusyReturnsChannelBusyError(t *testing.T) {
	p, bus := newTestPipe()
	owning := uint32(0x11111111)
	other := uint32(0x22222222)

	// A payload one byte over the single-packet max leaves the pipe
	// waiting in Receiving (not Idle) for a continuation packet that
	// never arrives in this test.
	bus.Submit(initPacket(owning, CmdPing, bytes.Repeat([]byte{1}, 58)))
	p.Poll()
	bus.Collect()

	bus.Submit(initPacket(other, CmdInit, bytes.Repeat([]byte{2}, 8)))
	p.Poll()

	out := bus.Collect()
	if len(out) != 1 {
		t.Fatalf("expected one BUSY error packet, got %d", len(out))
	}
	if out[0][4] != byte(CmdError)|0x80 {
		t.Fatalf("expected Error command, got %x", out[0][4])
	}
	if out[0][7] != ErrChannelBusy {
		t.Fatalf("expected ERR_CHANNEL_BUSY payload, got %x", out[0][7])
	}
	if binary.BigEndian.Uint32(out[0][0:4]) != other {
		t.Fatal("expected busy error addressed to the rejected channel")
	}
}

func TestUnknownCommandIsDropped(t *testing.T) {
	p, bus := newTestPipe()
	bus.Submit(initPacket(0x01020304, Command(0x20), nil)) // 0x20 is neither a named command nor in the vendor range
	p.Poll()
	if len(bus.Collect()) != 0 {
		t.Fatal("expected unknown command to produce no response")
	}
}
