package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInc_DumpProm(t *testing.T) {
	Reset()
	Inc("domain_requests_total", map[string]string{"op": "sign", "result": "ok"})
	Inc("domain_requests_total", map[string]string{"op": "sign", "result": "ok"})
	dump := DumpProm()
	if !strings.Contains(dump, `domain_requests_total{op="sign",result="ok"} 2`) {
		t.Fatalf("unexpected dump: %s", dump)
	}
}

func TestGauge_AddAndSet(t *testing.T) {
	Reset()
	AddGauge("signer_inflight", nil, 1)
	AddGauge("signer_inflight", nil, 1)
	AddGauge("signer_inflight", nil, -1)
	if dump := DumpProm(); !strings.Contains(dump, "signer_inflight 1") {
		t.Fatalf("gauge: %s", dump)
	}
	SetGauge("signer_inflight", nil, 7)
	if dump := DumpProm(); !strings.Contains(dump, "signer_inflight 7") {
		t.Fatalf("gauge set: %s", dump)
	}
}

func TestSummary_MissingLabelPadded(t *testing.T) {
	Reset()
	ObserveSummary("domain_latency_ms", map[string]string{"op": "quota"}, 3)
	ObserveSummary("domain_latency_ms", nil, 5)
	dump := DumpProm()
	if !strings.Contains(dump, `domain_latency_ms_count{op="quota"} 1`) || !strings.Contains(dump, `domain_latency_ms_count{op=""} 1`) {
		t.Fatalf("summary: %s", dump)
	}
}

func TestHandler_ServesAfterReset(t *testing.T) {
	Reset()
	h := Handler()
	Reset()
	Inc("after_reset_total", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "after_reset_total 1") {
		t.Fatalf("handler should read the live registry: %s", body)
	}
}
