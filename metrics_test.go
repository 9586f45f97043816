package kevent

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantile_Exact(t *testing.T) {
	var x quantile
	x.init(0.5)
	assert.Zero(t, x.value())
	for _, v := range []float64{5, 1, 3} {
		x.observe(v)
	}
	assert.Equal(t, 3.0, x.value())
}

func TestQuantile_Estimate(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	samples := make([]float64, 10000)
	for i := range samples {
		samples[i] = r.Float64() * 1000
	}

	for _, p := range []float64{0.5, 0.9, 0.99} {
		var x quantile
		x.init(p)
		for _, v := range samples {
			x.observe(v)
		}
		sorted := slices.Clone(samples)
		slices.Sort(sorted)
		want := sorted[int(p*float64(len(sorted)-1))]
		assert.InDelta(t, want, x.value(), 25, "p=%v", p)
	}
}

func TestMetrics(t *testing.T) {
	src := newTestSource()
	files := newTestTable()
	files.install(1, src)
	q := newTestQueue(t, WithFileTable(files), WithMetrics(true))

	require.NoError(t, q.Register(readChange(1, FlagAdd|FlagClear)))
	require.Error(t, q.Register(readChange(2, FlagAdd)))
	for i := 0; i < 3; i++ {
		src.set(true, 1)
		require.Len(t, poll(t, q, 4), 1)
	}
	require.NoError(t, q.Register(readChange(1, FlagDelete)))

	m := q.Metrics()
	assert.Equal(t, uint64(3), m.Registrations)
	assert.Equal(t, uint64(1), m.RegisterErrors)
	assert.Equal(t, uint64(3), m.Harvested)
	assert.Equal(t, uint64(3), m.Activations)
	assert.Equal(t, uint64(1), m.Drops)
	assert.Equal(t, uint64(3), m.ScanLatency.Count)
	assert.Equal(t, 1, m.MaxBatch)
	assert.GreaterOrEqual(t, m.ScanLatency.Max, m.ScanLatency.P50)
	assert.Zero(t, m.Knotes)
	assert.Zero(t, m.Ready)
}

func TestMetrics_Disabled(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock))
	require.NoError(t, q.Register(Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Data: 1}))
	clock.Advance(time.Millisecond)
	require.Len(t, poll(t, q, 1), 1)

	m := q.Metrics()
	assert.Zero(t, m.Registrations)
	assert.Zero(t, m.ScanLatency)
	assert.Equal(t, uint64(1), m.Harvested)
	assert.Equal(t, 1, m.Knotes)
}
