// Package classifier implements an exact k-nearest-neighbor classifier that searches each
// query set once and answers every k from the cached neighbor ordering.
package classifier

import (
	"cmp"
	"context"
	"runtime"
	"slices"

	"github.com/objones25/knnsweep/internal/errdefs"
	"github.com/objones25/knnsweep/internal/monitor"
	"github.com/viterin/vek"
	"golang.org/x/sync/errgroup"
)

// Index is the fitted training set
type Index struct {
	vectors    [][]float64
	labels     []int
	dimensions int
	workers    int
}

// NewIndex validates and stores the training set.
func NewIndex(X [][]float64, y []int, workers int) (*Index, error) {
	if len(X) == 0 {
		return nil, errdefs.New("classifier.Fit", errdefs.ErrData, "training set is empty")
	}
	if len(X) != len(y) {
		return nil, errdefs.Newf("classifier.Fit", errdefs.ErrData,
			"the number of feature vectors (%d) must match the number of labels (%d)", len(X), len(y))
	}
	dimensions := len(X[0])
	for i, vec := range X {
		if len(vec) != dimensions {
			return nil, errdefs.Newf("classifier.Fit", errdefs.ErrData,
				"vector dimension mismatch for row %d: expected %d, got %d", i, dimensions, len(vec))
		}
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Index{vectors: X, labels: y, dimensions: dimensions, workers: workers}, nil
}

// Len returns the number of training rows.
func (idx *Index) Len() int { return len(idx.vectors) }

// Dimensions returns the feature width.
func (idx *Index) Dimensions() int { return idx.dimensions }

type candidate struct {
	row      int
	distance float64
}

// Search orders the training rows by distance for every query row, keeping the first
// kMax. Equal distances keep training order, so the result is deterministic.
func (idx *Index) Search(ctx context.Context, queries [][]float64, kMax int) (*Ordering, error) {
	if kMax <= 0 {
		return nil, errdefs.InvalidParameter("classifier.Search", "k_max", kMax)
	}
	kMax = min(kMax, len(idx.vectors))
	for i, q := range queries {
		if len(q) != idx.dimensions {
			return nil, errdefs.Newf("classifier.Search", errdefs.ErrData,
				"query vector %d dimension mismatch: expected %d, got %d", i, idx.dimensions, len(q))
		}
	}
	monitor.NeighborSearches.Inc()

	rows := make([][]Neighbor, len(queries))
	chunk := (len(queries) + idx.workers - 1) / idx.workers

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.workers)
	for start := 0; start < len(queries); start += chunk {
		end := min(start+chunk, len(queries))
		g.Go(func() error {
			candidates := make([]candidate, len(idx.vectors))
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				rows[i] = idx.nearest(queries[i], kMax, candidates)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Ordering{rows: rows, kMax: kMax}, nil
}

func (idx *Index) nearest(query []float64, kMax int, candidates []candidate) []Neighbor {
	for j, vec := range idx.vectors {
		candidates[j] = candidate{row: j, distance: vek.Distance(query, vec)}
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(a.distance, b.distance); c != 0 {
			return c
		}
		return cmp.Compare(a.row, b.row)
	})

	out := make([]Neighbor, kMax)
	for j := range out {
		out[j] = Neighbor{Label: idx.labels[candidates[j].row], Distance: candidates[j].distance}
	}
	return out
}
