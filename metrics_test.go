package activity

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.ActivityLogged("orders_created")
	m.ActivityLogged("orders_created")
	m.ActivityDropped("orders_created")
	m.WriteLatency("orders_created", 15*time.Millisecond)

	logged := testutil.ToFloat64(m.logged.WithLabelValues("orders_created"))
	if logged != 2 {
		t.Errorf("Expected 2 logged, got %v", logged)
	}
	dropped := testutil.ToFloat64(m.dropped.WithLabelValues("orders_created"))
	if dropped != 1 {
		t.Errorf("Expected 1 dropped, got %v", dropped)
	}
	if count := testutil.CollectAndCount(m.latency); count == 0 {
		t.Error("Expected latency histogram to have observations")
	}
}

func TestNopMetricsIsSafe(t *testing.T) {
	var m Metrics = nopMetrics{}
	m.ActivityLogged("x")
	m.ActivityDropped("x")
	m.WriteLatency("x", time.Second)
}
