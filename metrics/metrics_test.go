package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nrehlein/ctaphid/dispatch"
	"github.com/nrehlein/ctaphid/pipe"
)

func newTestCollector() *Collector {
	return NewCollector(prometheus.NewRegistry())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPacketReceivedIncrements(t *testing.T) {
	c := newTestCollector()
	c.PacketReceived()
	c.PacketReceived()
	if got := counterValue(t, c.PacketsReceived); got != 2 {
		t.Fatalf("packets received = %v, want 2", got)
	}
}

func TestPacketDroppedLabelsByReason(t *testing.T) {
	c := newTestCollector()
	c.PacketDropped("channel busy")
	c.PacketDropped("channel busy")
	c.PacketDropped("unknown command")
	if got := counterValue(t, c.PacketsDropped.WithLabelValues("channel busy")); got != 2 {
		t.Fatalf("busy drops = %v, want 2", got)
	}
	if got := counterValue(t, c.PacketsDropped.WithLabelValues("unknown command")); got != 1 {
		t.Fatalf("unknown-command drops = %v, want 1", got)
	}
}

func TestTransactionCompletedLabelsKnownCommand(t *testing.T) {
	c := newTestCollector()
	c.TransactionCompleted(byte(pipe.CmdPing))
	if got := counterValue(t, c.TransactionsCompleted.WithLabelValues("ping")); got != 1 {
		t.Fatalf("ping transactions = %v, want 1", got)
	}
}

func TestDispatchOperationLabelsOpcodeAndStatus(t *testing.T) {
	c := newTestCollector()
	c.DispatchOperation(dispatch.OpMakeCredential, dispatch.StatusSuccess)
	if got := counterValue(t, c.DispatchOperations.WithLabelValues("make_credential", "success")); got != 1 {
		t.Fatalf("make_credential/success = %v, want 1", got)
	}
}

func TestUnknownOpcodeAndStatusFallBackToVendorAndOther(t *testing.T) {
	c := newTestCollector()
	c.DispatchOperation(0x50, 0x01)
	if got := counterValue(t, c.DispatchOperations.WithLabelValues("vendor", "other")); got != 1 {
		t.Fatalf("vendor/other = %v, want 1", got)
	}
}

func TestEncodeFailureLabelsByStage(t *testing.T) {
	c := newTestCollector()
	c.EncodeFailure("der")
	if got := counterValue(t, c.EncodeFailures.WithLabelValues("der")); got != 1 {
		t.Fatalf("der failures = %v, want 1", got)
	}
}
