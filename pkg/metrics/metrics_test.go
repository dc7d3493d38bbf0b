package metrics

import (
	"testing"
	"time"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry()

	r.IndexInsertsTotal.Inc()
	r.IndexInsertsTotal.Inc()
	r.RecordLookup(true, time.Microsecond)
	r.RecordLookup(false, time.Microsecond)
	r.IndexSegments.Set(3)

	families, err := r.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
		if mf.GetName() == "coindb_index_inserts_total" {
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 2 {
				t.Errorf("inserts counter = %v, want 2", v)
			}
		}
		if mf.GetName() == "coindb_index_segments" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 3 {
				t.Errorf("segments gauge = %v, want 3", v)
			}
		}
	}

	for _, name := range []string{
		"coindb_index_inserts_total",
		"coindb_index_lookups_total",
		"coindb_index_segments",
		"coindb_index_operation_duration_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestDefaultRegistryIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() should return the same registry")
	}
}
