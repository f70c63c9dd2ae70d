package metrics

import (
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("sentinel_events_total", "Events detected")
	c.Inc()
	c.Add(2)
	if c.Value() != 3 {
		t.Fatalf("counter = %d, want 3", c.Value())
	}

	g := r.Gauge("sentinel_pending", "Pending dispatches")
	g.Set(5)
	g.Dec()
	if g.Value() != 4 {
		t.Fatalf("gauge = %d, want 4", g.Value())
	}

	out := r.Render()
	if !strings.Contains(out, "# TYPE sentinel_events_total counter") {
		t.Error("missing counter TYPE line")
	}
	if !strings.Contains(out, "sentinel_events_total 3") {
		t.Error("missing counter value line")
	}
	if !strings.Contains(out, "sentinel_pending 4") {
		t.Error("missing gauge value line")
	}
}

func TestLabeledCounters(t *testing.T) {
	r := New()
	r.Counter(WithLabels("sentinel_alerts_total", "risk", "HIGH"), "Alerts by risk").Inc()
	r.Counter(WithLabels("sentinel_alerts_total", "risk", "LOW"), "Alerts by risk").Add(2)

	out := r.Render()
	if !strings.Contains(out, `sentinel_alerts_total{risk="HIGH"} 1`) {
		t.Errorf("missing HIGH line in:\n%s", out)
	}
	if !strings.Contains(out, `sentinel_alerts_total{risk="LOW"} 2`) {
		t.Errorf("missing LOW line in:\n%s", out)
	}
	// One TYPE line per base name.
	if strings.Count(out, "# TYPE sentinel_alerts_total") != 1 {
		t.Error("expected a single TYPE line for labeled counters")
	}
}

func TestHistogramRender(t *testing.T) {
	r := New()
	h := r.Histogram("sentinel_cycle_seconds", "Cycle time", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)

	out := r.Render()
	if !strings.Contains(out, `sentinel_cycle_seconds_bucket{le="0.1"} 1`) {
		t.Errorf("bad 0.1 bucket:\n%s", out)
	}
	if !strings.Contains(out, `sentinel_cycle_seconds_bucket{le="1"} 2`) {
		t.Errorf("bad cumulative 1 bucket:\n%s", out)
	}
	if !strings.Contains(out, `sentinel_cycle_seconds_bucket{le="+Inf"} 3`) {
		t.Errorf("bad +Inf bucket:\n%s", out)
	}
	if !strings.Contains(out, "sentinel_cycle_seconds_count 3") {
		t.Errorf("bad count:\n%s", out)
	}
}
