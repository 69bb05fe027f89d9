package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPromCollectorTracksOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPromCollector(reg, "vecbuf_test")

	c.TrackOperation(OpInsert)
	c.TrackOperation(OpInsert)
	c.TrackOperation(OpFlush)

	snap := c.Snapshot()
	if snap[string(OpInsert)] != 2 {
		t.Errorf("expected 2 inserts, got %d", snap[string(OpInsert)])
	}
	if snap[string(OpFlush)] != 1 {
		t.Errorf("expected 1 flush, got %d", snap[string(OpFlush)])
	}
	if snap[string(OpDelete)] != 0 {
		t.Errorf("expected 0 deletes, got %d", snap[string(OpDelete)])
	}
}
