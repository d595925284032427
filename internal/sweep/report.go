package sweep

import (
	"context"
	"fmt"
	"strconv"

	"github.com/objones25/knnsweep/internal/config"
	"github.com/objones25/knnsweep/internal/metrics"
)

// Report is the outcome of one outer beta pass: one record per k, in sweep order.
type Report struct {
	Method    config.Method
	Beta      int // 0 when reduction is disabled
	TrainSize int
	TestSize  int
	Classes   []int
	PerClass  bool
	Records   []metrics.Record
	Err       error // Set when the pass could not fit; Records then holds what ran before
}

// Identity names the pass by method, partition sizes and beta, so repeated runs do not
// overwrite each other's results.
func (r *Report) Identity() string {
	return identity(r.Method, r.TrainSize, r.TestSize, r.Beta)
}

// Only methods without reduction use "None"; any swept beta, including invalid ones,
// keeps its signed value so every pass gets its own file.
func identity(method config.Method, trainSize, testSize, beta int) string {
	b := "None"
	if method.Reduces() {
		b = strconv.Itoa(beta)
	}
	return fmt.Sprintf("method%d_train%d_test%d_beta%s", method.Code(), trainSize, testSize, b)
}

// Best returns the successful record with the highest accuracy, preferring lower k.
func (r *Report) Best() (metrics.Record, bool) {
	var best metrics.Record
	found := false
	for _, rec := range r.Records {
		if rec.Failed() {
			continue
		}
		if !found || rec.Accuracy > best.Accuracy {
			best, found = rec, true
		}
	}
	return best, found
}

// Failures counts failed records.
func (r *Report) Failures() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Failed() {
			n++
		}
	}
	return n
}

// Predictions is the outcome of a single-point run: one predicted label per test row.
type Predictions struct {
	Method    config.Method
	K         int
	Beta      int
	TrainSize int
	TestSize  int
	Truth     []int
	Predicted []int
}

// Identity names the run like Report.Identity.
func (p *Predictions) Identity() string {
	return identity(p.Method, p.TrainSize, p.TestSize, p.Beta)
}

// ReportWriter receives each finished beta pass.
type ReportWriter interface {
	WriteReport(ctx context.Context, r *Report) error
}

// PredictionWriter receives the result of a single-point run.
type PredictionWriter interface {
	WritePredictions(ctx context.Context, p *Predictions) error
}

// Summary totals a sweep run.
type Summary struct {
	Reports []*Report
	Points  int
	Failed  int
}
