package usbhid

// LoopbackBus is a deterministic, RAM-backed Bus used by the simulator
// command and by this module's own end-to-end tests: packets queued by the
// host-facing Submit method become ReadPacket's output, and packets the
// device writes accumulate for the host-facing Collect method to drain.
// It is not a real USB stack — there is no hardware, no timing, no
// SET_IDLE/GET_DESCRIPTOR control pipe — but it implements exactly the
// contract Bus specifies.
type LoopbackBus struct {
	toDevice   [][PacketSize]byte
	fromDevice [][PacketSize]byte
}

// NewLoopbackBus returns an empty LoopbackBus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{}
}

// Submit enqueues a packet as if a host had written it to the
// interrupt-out endpoint.
func (b *LoopbackBus) Submit(packet [PacketSize]byte) {
	b.toDevice = append(b.toDevice, packet)
}

// ReadPacket implements Bus.
func (b *LoopbackBus) ReadPacket() ([PacketSize]byte, error) {
	var zero [PacketSize]byte
	if len(b.toDevice) == 0 {
		return zero, ErrWouldBlock
	}
	packet := b.toDevice[0]
	b.toDevice = b.toDevice[1:]
	return packet, nil
}

// WritePacket implements Bus. The loopback bus never reports backpressure.
func (b *LoopbackBus) WritePacket(packet [PacketSize]byte) error {
	b.fromDevice = append(b.fromDevice, packet)
	return nil
}

// Collect drains and returns every packet the device has written so far.
func (b *LoopbackBus) Collect() [][PacketSize]byte {
	out := b.fromDevice
	b.fromDevice = nil
	return out
}

// Pending reports how many host-to-device packets are queued.
func (b *LoopbackBus) Pending() int {
	return len(b.toDevice)
}
