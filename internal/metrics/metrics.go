// Package metrics scores predicted labels against true labels.
package metrics

import (
	"fmt"
	"math"
	"slices"
)

// Missing marks a row without a prediction. Such rows are left out of every score and
// counted as failures.
const Missing = math.MinInt

// Point identifies one configuration of a sweep. Beta is 0 when reduction is disabled.
type Point struct {
	K    int
	Beta int
}

func (p Point) String() string {
	if p.Beta == 0 {
		return fmt.Sprintf("k=%d", p.K)
	}
	return fmt.Sprintf("k=%d beta=%d", p.K, p.Beta)
}

// ClassScore holds recall and F1 for one label
type ClassScore struct {
	Label  int     `json:"label"`
	Recall float64 `json:"recall"`
	F1     float64 `json:"f1"`
}

// Record holds the scores of one configuration point. Err is set when the point failed;
// the scores are then zero.
type Record struct {
	Point    Point        `json:"point"`
	Accuracy float64      `json:"accuracy"`
	Kappa    float64      `json:"kappa_cohen"`
	Scored   int          `json:"scored"`   // Rows with a prediction
	Failures int          `json:"failures"` // Rows without a prediction
	PerClass []ClassScore `json:"per_class,omitempty"`
	Err      error        `json:"-"`
}

// Failed reports whether the point could not be evaluated.
func (r Record) Failed() bool { return r.Err != nil }

// Failure returns a record marking point as failed.
func Failure(point Point, err error) Record {
	return Record{Point: point, Err: err}
}

// Recorder turns predictions into Records over a fixed label set
type Recorder struct {
	classes  []int
	perClass bool
}

// NewRecorder creates a recorder. classes fixes the per-class columns so every record of
// a run has the same shape.
func NewRecorder(classes []int, perClass bool) *Recorder {
	c := slices.Clone(classes)
	slices.Sort(c)
	return &Recorder{classes: slices.Compact(c), perClass: perClass}
}

// Classes returns the label set used for per-class scores.
func (r *Recorder) Classes() []int { return r.classes }

// PerClass reports whether records carry per-class scores.
func (r *Recorder) PerClass() bool { return r.perClass }

// Record scores predicted against truth. Both slices are indexed by test row.
func (r *Recorder) Record(point Point, truth, predicted []int) Record {
	if len(truth) != len(predicted) {
		return Failure(point, fmt.Errorf("label count mismatch: %d true, %d predicted", len(truth), len(predicted)))
	}

	t, p := scored(truth, predicted)
	rec := Record{
		Point:    point,
		Accuracy: Accuracy(t, p),
		Kappa:    CohenKappa(t, p),
		Scored:   len(t),
		Failures: len(truth) - len(t),
	}
	if r.perClass {
		rec.PerClass = PerClass(t, p, r.classes)
	}
	return rec
}

func scored(truth, predicted []int) (t, p []int) {
	t = make([]int, 0, len(truth))
	p = make([]int, 0, len(predicted))
	for i := range truth {
		if predicted[i] == Missing {
			continue
		}
		t = append(t, truth[i])
		p = append(p, predicted[i])
	}
	return t, p
}

// Accuracy returns the fraction of rows where predicted equals truth.
func Accuracy(truth, predicted []int) float64 {
	if len(truth) == 0 {
		return 0
	}
	c := 0
	for i := range truth {
		if truth[i] == predicted[i] {
			c++
		}
	}
	return float64(c) / float64(len(truth))
}

// CohenKappa returns the agreement between truth and predicted beyond what their label
// frequencies give by chance. When chance agreement is already total the score is 1 for
// perfect agreement and 0 otherwise.
func CohenKappa(truth, predicted []int) float64 {
	n := float64(len(truth))
	if n == 0 {
		return 0
	}

	trueCounts := make(map[int]float64)
	predCounts := make(map[int]float64)
	agree := 0.0
	for i := range truth {
		trueCounts[truth[i]]++
		predCounts[predicted[i]]++
		if truth[i] == predicted[i] {
			agree++
		}
	}

	po := agree / n
	pe := 0.0
	for label, c := range trueCounts {
		pe += (c / n) * (predCounts[label] / n)
	}
	if 1-pe <= 1e-12 {
		if po == 1 {
			return 1
		}
		return 0
	}
	return (po - pe) / (1 - pe)
}

// PerClass returns recall and F1 for each label in classes.
func PerClass(truth, predicted []int, classes []int) []ClassScore {
	tp := make(map[int]int)
	fp := make(map[int]int)
	fn := make(map[int]int)
	for i := range truth {
		if truth[i] == predicted[i] {
			tp[truth[i]]++
			continue
		}
		fp[predicted[i]]++
		fn[truth[i]]++
	}

	out := make([]ClassScore, len(classes))
	for i, label := range classes {
		var prec, rec, f1 float64
		if d := tp[label] + fp[label]; d > 0 {
			prec = float64(tp[label]) / float64(d)
		}
		if d := tp[label] + fn[label]; d > 0 {
			rec = float64(tp[label]) / float64(d)
		}
		if prec+rec > 0 {
			f1 = 2 * prec * rec / (prec + rec)
		}
		out[i] = ClassScore{Label: label, Recall: rec, F1: f1}
	}
	return out
}
