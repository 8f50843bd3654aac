package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	PieceEventsTotal.WithLabelValues("verified", "pass").Inc()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "quicktorrent_piece_events_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("piece events counter not exported")
	}
}

func TestCounterIncrements(t *testing.T) {
	before := counterValue(t, DhtSavesTotal.WithLabelValues("ok"))
	DhtSavesTotal.WithLabelValues(Result(nil)).Inc()
	if got := counterValue(t, DhtSavesTotal.WithLabelValues("ok")); got != before+1 {
		t.Fatalf("dht saves = %v, want %v", got, before+1)
	}
}

func TestResult(t *testing.T) {
	if Result(nil) != "ok" {
		t.Fatalf("Result(nil) = %q", Result(nil))
	}
	if Result(errors.New("x")) != "error" {
		t.Fatalf("Result(err) = %q", Result(errors.New("x")))
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}
