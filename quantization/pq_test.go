package quantization

import (
	"context"
	"math/rand"
	"testing"

	"github.com/hupe1980/paperdex/distance"
)

func randomVectors(rng *rand.Rand, n, dim int) []float32 {
	out := make([]float32, n*dim)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func TestProductQuantizer(t *testing.T) {
	const (
		dimension     = 32
		numVectors    = 2000
		numSubvectors = 8
		bits          = 8
	)

	rng := rand.New(rand.NewSource(1))
	pq, err := NewProductQuantizer(dimension, numSubvectors, bits)
	if err != nil {
		t.Fatalf("Failed to create PQ: %v", err)
	}

	training := randomVectors(rng, numVectors, dimension)
	if err := pq.Train(context.Background(), training, TrainOptions{Seed: 1, MaxIter: 10}); err != nil {
		t.Fatalf("Training failed: %v", err)
	}
	if !pq.IsTrained() {
		t.Fatal("Quantizer should be trained")
	}
	if pq.NumCentroids() != 256 {
		t.Errorf("Expected 256 centroids, got %d", pq.NumCentroids())
	}

	vec := randomVectors(rng, 1, dimension)
	code := pq.Encode(vec, nil)
	if len(code) != numSubvectors {
		t.Fatalf("Expected %d codes, got %d", numSubvectors, len(code))
	}

	recon := pq.Decode(code, nil)
	reconErr := distance.SquaredL2(vec, recon)
	baseline := distance.SquaredL2(vec, make([]float32, dimension))
	if reconErr >= baseline {
		t.Errorf("Reconstruction error %f not below baseline %f", reconErr, baseline)
	}

	// ADC against the table equals the exact distance to the decoded vector.
	query := randomVectors(rng, 1, dimension)
	table := pq.DistanceTable(query, nil)
	adc := pq.ADC(table, code)
	exact := distance.SquaredL2(query, recon)
	if diff := adc - exact; diff > 1e-4 || diff < -1e-4 {
		t.Errorf("ADC %f differs from decoded distance %f", adc, exact)
	}

	if got := pq.CompressionRatio(); got != 16 {
		t.Errorf("Expected compression ratio 16, got %f", got)
	}
}

func TestProductQuantizerSmallSample(t *testing.T) {
	pq, err := NewProductQuantizer(4, 2, 8)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(2))
	if err := pq.Train(context.Background(), randomVectors(rng, 10, 4), TrainOptions{}); err != nil {
		t.Fatal(err)
	}
	if pq.NumCentroids() != 10 {
		t.Errorf("Expected codebooks clamped to 10, got %d", pq.NumCentroids())
	}
}

func TestNewProductQuantizerValidation(t *testing.T) {
	cases := []struct {
		name         string
		dim, m, bits int
	}{
		{"NotDivisible", 10, 3, 8},
		{"TooManyBits", 8, 2, 9},
		{"ZeroBits", 8, 2, 0},
		{"ZeroDim", 0, 1, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewProductQuantizer(tc.dim, tc.m, tc.bits); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestProductQuantizerMarshal(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pq, _ := NewProductQuantizer(8, 4, 4)

	if _, err := pq.MarshalBinary(); err != ErrNotTrained {
		t.Fatalf("expected ErrNotTrained, got %v", err)
	}
	if err := pq.Train(context.Background(), randomVectors(rng, 100, 8), TrainOptions{Seed: 3}); err != nil {
		t.Fatal(err)
	}

	data, err := pq.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var restored ProductQuantizer
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	vec := randomVectors(rng, 1, 8)
	a := pq.Encode(vec, nil)
	b := restored.Encode(vec, nil)
	if string(a) != string(b) {
		t.Errorf("restored quantizer encodes differently: %v vs %v", a, b)
	}

	if err := restored.UnmarshalBinary(data[:len(data)-4]); err == nil {
		t.Error("expected error on truncated payload")
	}
}
