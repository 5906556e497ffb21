package conformance

import (
	"testing"
)

// TestConformance runs the full conformance suite against every embedded
// record backend.
func TestConformance(t *testing.T) {
	for _, store := range []string{"memory", "file", "badger"} {
		t.Run(store, func(t *testing.T) {
			harness, err := NewHarness(Config{Store: store, DataDir: t.TempDir()})
			if err != nil {
				t.Fatalf("failed to create harness: %v", err)
			}
			defer harness.Close()

			harness.RunConformanceTests(t)
		})
	}
}
