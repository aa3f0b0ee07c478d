// Package metrics exposes Prometheus collectors for the transport and
// dispatch layers. Collector implements pipe.Metrics directly so a Pipe
// can be wired to it with no adapter. DispatchOperation and EncodeFailure
// have no caller inside this module: ctaphid-sim wires only the pipe.Metrics
// methods, so the dispatch and codec counters stay at zero there.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nrehlein/ctaphid/dispatch"
	"github.com/nrehlein/ctaphid/pipe"
)

const (
	namespace = "ctaphid"
	subsystem = "transport"
)

// Label names.
const (
	labelReason  = "reason"
	labelCommand = "command"
	labelOpcode  = "opcode"
	labelStatus  = "status"
	labelStage   = "stage"
)

// Collector holds every Prometheus metric this module exports.
type Collector struct {
	// PacketsReceived counts every packet pollReceive accepts off the bus,
	// before any validation.
	PacketsReceived prometheus.Counter

	// PacketsDropped counts packets rejected during framing: unknown
	// command, oversized length, sequence mismatch, busy channel.
	PacketsDropped *prometheus.CounterVec

	// TransactionsCompleted counts every transport command the pipe
	// dispatches after full reassembly, labeled by command byte. Commands
	// the pipe then drops (Msg, Lock, vendor, a malformed Init) are counted
	// too.
	TransactionsCompleted *prometheus.CounterVec

	// DispatchOperations counts CTAP2 operations by opcode and resulting
	// status byte.
	DispatchOperations *prometheus.CounterVec

	// EncodeFailures counts CBOR or DER encode failures, labeled by the
	// stage that produced them ("cbor" or "der").
	EncodeFailures *prometheus.CounterVec
}

// NewCollector builds a Collector and registers it against reg. A nil reg
// registers against prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := newCollector()
	reg.MustRegister(
		c.PacketsReceived,
		c.PacketsDropped,
		c.TransactionsCompleted,
		c.DispatchOperations,
		c.EncodeFailures,
	)
	return c
}

func newCollector() *Collector {
	return &Collector{
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total CTAPHID packets read off the bus.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total CTAPHID packets dropped during framing, labeled by reason.",
		}, []string{labelReason}),
		TransactionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transactions_completed_total",
			Help:      "Total transport-level transactions completed, labeled by command byte.",
		}, []string{labelCommand}),
		DispatchOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "operations_total",
			Help:      "Total CTAP2 operations handled, labeled by opcode and status byte.",
		}, []string{labelOpcode, labelStatus}),
		EncodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codec",
			Name:      "encode_failures_total",
			Help:      "Total CBOR or DER encode failures, labeled by stage.",
		}, []string{labelStage}),
	}
}

// PacketReceived implements pipe.Metrics.
func (c *Collector) PacketReceived() {
	c.PacketsReceived.Inc()
}

// PacketDropped implements pipe.Metrics.
func (c *Collector) PacketDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// TransactionCompleted implements pipe.Metrics.
func (c *Collector) TransactionCompleted(command byte) {
	c.TransactionsCompleted.WithLabelValues(commandLabel(command)).Inc()
}

// DispatchOperation records one CTAP2 operation's outcome. Handle itself
// carries no Metrics dependency, and the pipe calls Handle directly, so no
// code in this module calls DispatchOperation.
func (c *Collector) DispatchOperation(opcode byte, status byte) {
	c.DispatchOperations.WithLabelValues(opcodeLabel(opcode), statusLabel(status)).Inc()
}

// EncodeFailure records a CBOR or DER encode failure.
func (c *Collector) EncodeFailure(stage string) {
	c.EncodeFailures.WithLabelValues(stage).Inc()
}

func commandLabel(command byte) string {
	switch pipe.Command(command) {
	case pipe.CmdPing:
		return "ping"
	case pipe.CmdMsg:
		return "msg"
	case pipe.CmdLock:
		return "lock"
	case pipe.CmdInit:
		return "init"
	case pipe.CmdWink:
		return "wink"
	case pipe.CmdCbor:
		return "cbor"
	case pipe.CmdCancel:
		return "cancel"
	case pipe.CmdKeepAlive:
		return "keepalive"
	case pipe.CmdError:
		return "error"
	default:
		return "vendor"
	}
}

func opcodeLabel(opcode byte) string {
	switch opcode {
	case dispatch.OpMakeCredential:
		return "make_credential"
	case dispatch.OpGetAssertion:
		return "get_assertion"
	case dispatch.OpGetInfo:
		return "get_info"
	case dispatch.OpClientPIN:
		return "client_pin"
	case dispatch.OpReset:
		return "reset"
	case dispatch.OpGetNextAssertion:
		return "get_next_assertion"
	default:
		return "vendor"
	}
}

func statusLabel(status byte) string {
	switch status {
	case dispatch.StatusSuccess:
		return "success"
	case dispatch.StatusInvalidLength:
		return "invalid_length"
	case dispatch.StatusUnsupportedAlgorithm:
		return "unsupported_algorithm"
	case dispatch.StatusUnsupportedOption:
		return "unsupported_option"
	case dispatch.StatusPinNotSet:
		return "pin_not_set"
	case dispatch.StatusNoCredentials:
		return "no_credentials"
	default:
		return "other"
	}
}
