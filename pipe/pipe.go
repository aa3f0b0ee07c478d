// Package pipe implements the CTAPHID state machine: packet framing,
// channel arbitration, request reassembly, and response fragmentation over
// a usbhid.Bus, delegating CBOR-bearing messages to a dispatch.Dispatcher.
// Dispatch runs synchronously to completion inside poll() — there are no
// suspension points and no goroutines. Request and response bodies live in
// two fixed MessageSize buffers allocated at construction.
package pipe

import (
	"encoding/binary"
	"log/slog"

	"github.com/nrehlein/ctaphid/bytevec"
	"github.com/nrehlein/ctaphid/dispatch"
	"github.com/nrehlein/ctaphid/usbhid"
)

type state int

const (
	stateIdle state = iota
	stateReceiving
	stateProcessing
	stateResponsePending
	stateSending
)

type messageState struct {
	nextSequence  byte
	bytesAbsorbed int
}

type requestHeader struct {
	channel uint32
	command Command
	length  int
}

type responseHeader struct {
	channel uint32
	command Command
	length  int
}

// Metrics is the observability hook poll() drives. A nil Metrics is valid;
// every call site checks before invoking it. The production implementation
// lives in the metrics package and wraps Prometheus counters.
type Metrics interface {
	PacketReceived()
	PacketDropped(reason string)
	TransactionCompleted(command byte)
}

// Pipe is the CTAPHID state machine bound to one usbhid.Bus and one
// dispatch.Dispatcher.
type Pipe struct {
	bus        usbhid.Bus
	dispatcher *dispatch.Dispatcher
	channels   *channelAllocator
	version    DeviceVersion

	logger  *slog.Logger
	metrics Metrics

	// OnWink is invoked for a Wink command's observable side effect
	// (an external collaborator blinks an LED). Nil is a
	// valid no-op.
	OnWink func()

	state state
	req   requestHeader
	resp  responseHeader
	msg   messageState

	reqBuf  *bytevec.ByteVec
	respBuf *bytevec.ByteVec

	// controlPacket holds a one-off, unfragmented outbound BUSY error packet
	// that bypasses the main response buffer so it can be emitted without
	// disturbing an in-flight transaction on the owning channel.
	controlPacket *[usbhid.PacketSize]byte
}

// Option configures a Pipe at construction.
type Option func(*Pipe)

// WithLogger attaches a structured logger used for packet-drop and
// transaction diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipe) { p.logger = logger }
}

// WithMetrics attaches a Metrics collector.
func WithMetrics(m Metrics) Option {
	return func(p *Pipe) { p.metrics = m }
}

// WithDeviceVersion overrides the version bytes reported in Init responses.
func WithDeviceVersion(v DeviceVersion) Option {
	return func(p *Pipe) { p.version = v }
}

// New constructs a Pipe bound to bus and dispatcher.
func New(bus usbhid.Bus, dispatcher *dispatch.Dispatcher, opts ...Option) *Pipe {
	p := &Pipe{
		bus:        bus,
		dispatcher: dispatcher,
		channels:   newChannelAllocator(),
		logger:     slog.Default(),
		reqBuf:     bytevec.New(MessageSize),
		respBuf:    bytevec.New(MessageSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll performs, in order, one receive-and-handle attempt and one
// maybe-write attempt. It is safe to call when no packet is pending and
// never blocks.
func (p *Pipe) Poll() {
	p.pollReceive()
	p.pollSend()
}

func (p *Pipe) pollReceive() {
	packet, err := p.bus.ReadPacket()
	if err != nil {
		return
	}
	if p.metrics != nil {
		p.metrics.PacketReceived()
	}

	channel := binary.BigEndian.Uint32(packet[0:4])
	if packet[4]&0x80 != 0 {
		p.handleInitPacket(channel, packet)
	} else {
		p.handleContinuationPacket(channel, packet)
	}
}

func (p *Pipe) drop(reason string) {
	if p.metrics != nil {
		p.metrics.PacketDropped(reason)
	}
	p.logger.Debug("dropping packet", slog.String("reason", reason))
}

func (p *Pipe) handleInitPacket(channel uint32, packet [usbhid.PacketSize]byte) {
	if p.state != stateIdle {
		p.queueBusyError(channel)
		return
	}

	cmdByte := packet[4] & 0x7F
	if !isKnownCommand(cmdByte) {
		p.drop("unknown command")
		return
	}

	length := int(binary.BigEndian.Uint16(packet[5:7]))
	if length > MessageSize {
		p.drop("length exceeds MessageSize")
		return
	}

	p.req = requestHeader{channel: channel, command: Command(cmdByte), length: length}
	p.reqBuf.Reset()

	if length <= initPacketPayloadMax {
		_ = p.reqBuf.Append(packet[7 : 7+length])
		p.state = stateProcessing
		p.dispatch()
		return
	}

	_ = p.reqBuf.Append(packet[7 : 7+initPacketPayloadMax])
	p.msg = messageState{nextSequence: 0, bytesAbsorbed: initPacketPayloadMax}
	p.state = stateReceiving
}

func (p *Pipe) handleContinuationPacket(channel uint32, packet [usbhid.PacketSize]byte) {
	if p.state != stateReceiving {
		p.drop("continuation packet outside Receiving state")
		return
	}

	sequence := packet[4]
	if sequence != p.msg.nextSequence || channel != p.req.channel {
		p.drop("sequence or channel mismatch")
		p.state = stateIdle
		return
	}

	if p.msg.bytesAbsorbed+contPacketPayloadMax < p.req.length {
		_ = p.reqBuf.Append(packet[5 : 5+contPacketPayloadMax])
		p.msg.nextSequence++
		p.msg.bytesAbsorbed += contPacketPayloadMax
		return
	}

	remaining := p.req.length - p.msg.bytesAbsorbed
	_ = p.reqBuf.Append(packet[5 : 5+remaining])
	p.state = stateProcessing
	p.dispatch()
}

// dispatch runs the transport-level command handling. It
// always runs to completion synchronously: this core never suspends mid
// Processing, so Cmd Cancel's "if currently Processing" branch can never
// actually observe the pipe in that state from the outside — it is kept
// here because a future implementation that yields control mid-dispatch
// (e.g. for a slow hardware-backed signer) would need it.
func (p *Pipe) dispatch() {
	cmd := p.req.command
	switch cmd {
	case CmdInit:
		p.handleInitCommand()
	case CmdPing:
		p.buildResponse(CmdPing, p.reqBuf.Bytes())
	case CmdWink:
		if p.OnWink != nil {
			p.OnWink()
		}
		p.buildResponse(CmdWink, nil)
	case CmdCbor:
		status, body := p.dispatcher.Handle(p.reqBuf.Bytes())
		payload := make([]byte, 0, 1+len(body))
		payload = append(payload, status)
		payload = append(payload, body...)
		p.buildResponse(CmdCbor, payload)
	case CmdCancel:
		p.state = stateIdle
	default:
		p.drop("unhandled known command")
		p.state = stateIdle
	}

	if p.metrics != nil {
		p.metrics.TransactionCompleted(byte(cmd))
	}
}

func (p *Pipe) handleInitCommand() {
	if p.req.channel == ChannelBroadcast {
		if p.req.length != 8 {
			p.drop("init broadcast length != 8")
			p.state = stateIdle
			return
		}
		nonce := append([]byte(nil), p.reqBuf.Bytes()[:8]...)

		newChannel, err := p.channels.Allocate()
		if err != nil {
			p.logger.Warn("channel allocation failed", slog.String("error", err.Error()))
			p.state = stateIdle
			return
		}

		payload := make([]byte, 0, 17)
		payload = append(payload, nonce...)
		payload = append(payload,
			byte(newChannel>>24), byte(newChannel>>16), byte(newChannel>>8), byte(newChannel))
		payload = append(payload, ctaphidProtocolVersion)
		payload = append(payload, p.version.Major, p.version.Minor, p.version.Build)
		payload = append(payload, CapabilityWink|CapabilityCBOR)

		p.buildResponse(CmdInit, payload)
		return
	}

	// Init on an already-owned channel is a session reset: this core
	// requires no more than mirroring the request back as an ack.
	p.buildResponse(CmdInit, p.reqBuf.Bytes())
}

func (p *Pipe) buildResponse(cmd Command, payload []byte) {
	p.resp = responseHeader{channel: p.req.channel, command: cmd, length: len(payload)}
	p.respBuf.Reset()
	_ = p.respBuf.Append(payload)
	p.state = stateResponsePending
}

func (p *Pipe) pollSend() {
	if p.controlPacket != nil {
		if err := p.bus.WritePacket(*p.controlPacket); err == nil {
			p.controlPacket = nil
		}
		return
	}

	switch p.state {
	case stateResponsePending:
		p.sendFirstPacket()
	case stateSending:
		p.sendContinuationPacket()
	}
}

func (p *Pipe) sendFirstPacket() {
	var packet [usbhid.PacketSize]byte
	binary.BigEndian.PutUint32(packet[0:4], p.resp.channel)
	packet[4] = byte(p.resp.command) | 0x80
	binary.BigEndian.PutUint16(packet[5:7], uint16(p.resp.length))

	payload := p.respBuf.Bytes()
	n := min(initPacketPayloadMax, len(payload))
	copy(packet[7:7+n], payload[:n])

	if err := p.bus.WritePacket(packet); err != nil {
		return
	}

	if p.resp.length <= initPacketPayloadMax {
		p.state = stateIdle
		return
	}
	p.msg = messageState{nextSequence: 0, bytesAbsorbed: initPacketPayloadMax}
	p.state = stateSending
}

func (p *Pipe) sendContinuationPacket() {
	var packet [usbhid.PacketSize]byte
	binary.BigEndian.PutUint32(packet[0:4], p.resp.channel)
	packet[4] = p.msg.nextSequence

	payload := p.respBuf.Bytes()
	remaining := p.resp.length - p.msg.bytesAbsorbed
	n := min(contPacketPayloadMax, remaining)
	copy(packet[5:5+n], payload[p.msg.bytesAbsorbed:p.msg.bytesAbsorbed+n])

	if err := p.bus.WritePacket(packet); err != nil {
		return
	}

	p.msg.nextSequence++
	p.msg.bytesAbsorbed += n
	if p.msg.bytesAbsorbed >= p.resp.length {
		p.state = stateIdle
	}
}

func (p *Pipe) queueBusyError(channel uint32) {
	if p.controlPacket != nil {
		return
	}
	p.drop("channel busy")
	var packet [usbhid.PacketSize]byte
	binary.BigEndian.PutUint32(packet[0:4], channel)
	packet[4] = byte(CmdError) | 0x80
	binary.BigEndian.PutUint16(packet[5:7], 1)
	packet[7] = ErrChannelBusy
	p.controlPacket = &packet
}

