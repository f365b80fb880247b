package balancer

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomFeatures(rng *rand.Rand) []float64 {
	f := make([]float64, 7)
	for i := range f {
		f[i] = rng.Float64()
	}
	return f
}

func TestModelSilentUntilMinSamples(t *testing.T) {
	m := NewModel(50)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 49; i++ {
		m.Observe(randomFeatures(rng), 0.5)
	}
	assert.False(t, m.Trained())
	_, ok := m.Predict(randomFeatures(rng))
	assert.False(t, ok)
}

func TestModelLearnsLinearTarget(t *testing.T) {
	m := NewModel(50)
	rng := rand.New(rand.NewPCG(3, 4))

	// Целевая функция линейна по фичам — МНК должен восстановить ее точно
	target := func(f []float64) float64 { return 0.5*f[0] + 0.3*f[1] + 0.1 }

	for i := 0; i < 200; i++ {
		f := randomFeatures(rng)
		m.Observe(f, target(f))
	}
	require.True(t, m.Trained())

	for i := 0; i < 10; i++ {
		f := randomFeatures(rng)
		got, ok := m.Predict(f)
		require.True(t, ok)
		assert.InDelta(t, target(f), got, 0.05)
	}
}

func TestModelRejectsDimensionMismatch(t *testing.T) {
	m := NewModel(10)
	rng := rand.New(rand.NewPCG(5, 6))
	for i := 0; i < 20; i++ {
		m.Observe(randomFeatures(rng), 0.4)
	}

	_, ok := m.Predict([]float64{1, 2})
	assert.False(t, ok)
}

func TestModelPredictionBounded(t *testing.T) {
	m := NewModel(10)
	rng := rand.New(rand.NewPCG(7, 8))
	for i := 0; i < 30; i++ {
		f := randomFeatures(rng)
		m.Observe(f, 2*f[0]) // Метки вылезают за [0,1]
	}
	if !m.Trained() {
		t.Skip("model declined to train on degenerate data")
	}

	f := randomFeatures(rng)
	f[0] = 1.0
	got, ok := m.Predict(f)
	require.True(t, ok)
	assert.GreaterOrEqual(t, got, 0.0)
	assert.LessOrEqual(t, got, 1.0)
}
