package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.NodeCreated("aws")
	m.NodeCreated("aws")
	m.NodeDestroyed("generic")
	m.TeardownRetry("aws", "subnet")
	m.SetFleetSize("aws", 2)
	m.ObserveSince("aws", "ensure", time.Now())

	if got := testutil.ToFloat64(m.nodesCreated.WithLabelValues("aws")); got != 2 {
		t.Fatalf("nodes created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.fleetSize.WithLabelValues("aws")); got != 2 {
		t.Fatalf("fleet size = %v, want 2", got)
	}
}

func TestMetricsWriteFile(t *testing.T) {
	m := NewMetrics()
	m.NodeCreated("digitalocean")
	path := filepath.Join(t.TempDir(), "cloudworkers.prom")
	if err := m.WriteFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `cloudworkers_nodes_created_total{provider="digitalocean"} 1`) {
		t.Fatalf("unexpected metrics output:\n%s", b)
	}
	if err := m.WriteFile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
