// Package testutil holds helpers shared by package tests.
package testutil

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/objones25/knnsweep/internal/config"
	"github.com/rs/zerolog"
)

// QuietLogs raises the global log level for the duration of a test.
func QuietLogs(t testing.TB, level zerolog.Level) {
	t.Helper()
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(level)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}

// Logger returns a logger that writes through t.Log. It logs errors only unless
// LOG_LEVEL asks for more.
func Logger(t testing.TB) zerolog.Logger {
	t.Helper()
	level, err := config.LogConfig{Level: "error"}.WithEnv().ParseLevel()
	if err != nil {
		t.Fatalf("test logger: %v", err)
	}
	return zerolog.New(zerolog.NewTestWriter(t)).Level(level).With().Timestamp().Logger()
}

// Dataset is a labelled set of feature vectors
type Dataset struct {
	X [][]float64
	Y []int
}

// Blobs returns perClass points around one center per class. Class c is centered at
// 8*c on every axis with unit noise, so classes are well separated. Rows are shuffled
// deterministically by seed.
func Blobs(classes, perClass, dimensions int, seed int64) Dataset {
	rng := rand.New(rand.NewSource(seed))
	var d Dataset
	for c := 0; c < classes; c++ {
		for i := 0; i < perClass; i++ {
			vec := make([]float64, dimensions)
			for j := range vec {
				vec[j] = 8*float64(c) + rng.NormFloat64()
			}
			d.X = append(d.X, vec)
			d.Y = append(d.Y, c)
		}
	}
	rng.Shuffle(len(d.Y), func(i, j int) {
		d.X[i], d.X[j] = d.X[j], d.X[i]
		d.Y[i], d.Y[j] = d.Y[j], d.Y[i]
	})
	return d
}

// Split returns the leading share of rows as train and the rest as test.
func (d Dataset) Split(trainShare float64) (train, test Dataset) {
	n := int(float64(len(d.Y)) * trainShare)
	return Dataset{X: d.X[:n], Y: d.Y[:n]}, Dataset{X: d.X[n:], Y: d.Y[n:]}
}

// Columns returns generated feature column names f0..fn.
func (d Dataset) Columns() []string {
	if len(d.X) == 0 {
		return nil
	}
	out := make([]string, len(d.X[0]))
	for i := range out {
		out[i] = "f" + strconv.Itoa(i)
	}
	return out
}

