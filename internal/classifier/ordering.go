package classifier

import (
	"github.com/objones25/knnsweep/internal/errdefs"
)

// Neighbor is one training row seen from a query row
type Neighbor struct {
	Label    int
	Distance float64
}

// Ordering holds, per query row, the kMax nearest training rows sorted by ascending
// distance. It is immutable once built and safe for concurrent votes.
type Ordering struct {
	rows [][]Neighbor
	kMax int
}

// Len returns the number of query rows.
func (o *Ordering) Len() int { return len(o.rows) }

// KMax returns the largest k the ordering can serve.
func (o *Ordering) KMax() int { return o.kMax }

// Row returns the neighbors of query row i. The slice must not be modified.
func (o *Ordering) Row(i int) []Neighbor { return o.rows[i] }

// CheckK validates k against the ordering.
func (o *Ordering) CheckK(k int) error {
	if k <= 0 {
		return errdefs.InvalidParameter("classifier.Vote", "k", k)
	}
	if k > o.kMax {
		return errdefs.Newf("classifier.Vote", errdefs.ErrOutOfRange, "k=%d exceeds k_max=%d", k, o.kMax)
	}
	return nil
}

// Vote predicts one label per query row by majority over its first k neighbors.
// Ties go to the lowest label.
func (o *Ordering) Vote(k int) ([]int, error) {
	if err := o.CheckK(k); err != nil {
		return nil, err
	}

	out := make([]int, len(o.rows))
	counts := make(map[int]int)
	for i, row := range o.rows {
		clear(counts)
		for _, n := range row[:k] {
			counts[n.Label]++
		}
		out[i] = majority(counts)
	}
	return out, nil
}

func majority(counts map[int]int) int {
	best, bestCount := 0, -1
	for label, c := range counts {
		if c > bestCount || (c == bestCount && label < best) {
			best, bestCount = label, c
		}
	}
	return best
}
