package bus

import (
	"context"
	"strings"
	"testing"

	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(1)
	b.Publish(context.Background(), Event{Kind: KindDiscrepancy, DomainHash: "0x01"})
	ev := <-b.Subscribe()
	if ev.Kind != KindDiscrepancy || ev.DomainHash != "0x01" {
		t.Fatalf("got %+v", ev)
	}
}

func TestBus_DropsOnBackpressure(t *testing.T) {
	metrics.Reset()
	b := New(1)
	b.Publish(context.Background(), Event{Kind: KindDiscrepancy})
	b.Publish(context.Background(), Event{Kind: KindDiscrepancy})
	if !strings.Contains(metrics.DumpProm(), `bus_dropped_total{kind="discrepancy"} 1`) {
		t.Fatalf("want drop metric: %s", metrics.DumpProm())
	}
}
