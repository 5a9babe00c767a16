package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveSetsGaugesAndAdvancesCounters(t *testing.T) {
	r := NewRegistry()

	r.Observe(
		FabricSnapshot{Checkouts: 3, MapHits: 1, MapMisses: 2, CurrentBytes: 100, PeakBytes: 200},
		SchedulerSnapshot{Submitted: 5, Completed: 4, Failed: 1},
		DictSnapshot{Hits: 7, Misses: 1, DecodedFrames: 9, UnknownMessages: 0},
	)
	require.Equal(t, float64(100), testutil.ToFloat64(r.fabricCurrentBytes))
	require.Equal(t, float64(3), testutil.ToFloat64(r.fabricCheckouts))
	require.Equal(t, float64(4), testutil.ToFloat64(r.schedCompleted))

	r.Observe(
		FabricSnapshot{Checkouts: 5, MapHits: 1, MapMisses: 2, CurrentBytes: 50, PeakBytes: 200},
		SchedulerSnapshot{Submitted: 8, Completed: 6, Failed: 1},
		DictSnapshot{Hits: 7, Misses: 1, DecodedFrames: 9, UnknownMessages: 0},
	)
	require.Equal(t, float64(50), testutil.ToFloat64(r.fabricCurrentBytes))
	require.Equal(t, float64(5), testutil.ToFloat64(r.fabricCheckouts))
	require.Equal(t, float64(6), testutil.ToFloat64(r.schedCompleted))
}

func TestGathererReturnsRegisteredFamilies(t *testing.T) {
	r := NewRegistry()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
