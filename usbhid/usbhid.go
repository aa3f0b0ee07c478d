// Package usbhid declares the USB HID class surface the CTAPHID pipe binds
// to: a fixed report descriptor, two 64-byte interrupt endpoints, and a
// minimal Bus contract (read_packet/write_packet) the pipe drives from its
// poll loop. The raw USB bus driver itself is out of scope; this
// package defines only the contract plus a deterministic, RAM-backed
// LoopbackBus implementation for tests and the simulator command.
package usbhid

import "errors"

// PacketSize is the fixed size, in bytes, of every CTAPHID packet on the
// wire in both directions.
const PacketSize = 64

// ErrWouldBlock is returned by WritePacket when the endpoint has no room
// for another packet this poll, and by ReadPacket when nothing is pending.
var ErrWouldBlock = errors.New("usbhid: would block")

// FIDO HID usage page/usage and report IDs.
const (
	UsagePageFIDO = 0xF1D0
	UsageFIDO     = 0x01

	ReportIDInput  = 0x81
	ReportIDOutput = 0x91
)

// ReportDescriptor is the fixed 34-byte HID report descriptor advertising
// the FIDO vendor usage page and the two 64-byte interrupt reports.
var ReportDescriptor = []byte{
	0x06, 0xD0, 0xF1, // USAGE_PAGE (FIDO Alliance)
	0x09, 0x01, // USAGE (CTAPHID)
	0xA1, 0x01, // COLLECTION (Application)
	0x09, 0x20, //   USAGE (Input Report Data)
	0x15, 0x00, //   LOGICAL_MINIMUM (0)
	0x26, 0xFF, 0x00, //   LOGICAL_MAXIMUM (255)
	0x75, 0x08, //   REPORT_SIZE (8)
	0x95, 0x40, //   REPORT_COUNT (64)
	0x81, 0x08, //   INPUT (Data,Var,Abs)
	0x09, 0x21, //   USAGE (Output Report Data)
	0x15, 0x00, //   LOGICAL_MINIMUM (0)
	0x26, 0xFF, 0x00, //   LOGICAL_MAXIMUM (255)
	0x75, 0x08, //   REPORT_SIZE (8)
	0x95, 0x40, //   REPORT_COUNT (64)
	0x91, 0x08, //   OUTPUT (Data,Var,Abs)
	0xC0, // END_COLLECTION
}

// PollIntervalMillis is the interrupt endpoint poll interval the device
// advertises in its endpoint descriptor.
const PollIntervalMillis = 5

// Bus is the read_endpoint/write_endpoint primitive pair the CTAPHID pipe
// is driven through. Implementations must never block: ReadPacket returns
// ErrWouldBlock when no packet is pending, WritePacket returns it when the
// endpoint cannot accept a packet this poll.
type Bus interface {
	// ReadPacket attempts to read one fixed 64-byte interrupt-out packet.
	// Returns ErrWouldBlock if none is pending.
	ReadPacket() ([PacketSize]byte, error)
	// WritePacket attempts to write one fixed 64-byte interrupt-in packet.
	// Returns ErrWouldBlock if the endpoint cannot accept it this poll.
	WritePacket(packet [PacketSize]byte) error
}
