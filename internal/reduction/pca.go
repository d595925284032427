// Package reduction fits a principal component basis once and serves projections onto
// any prefix of it.
package reduction

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/objones25/knnsweep/internal/errdefs"
	"github.com/objones25/knnsweep/internal/monitor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Basis is an ordered set of unit directions in feature space, strongest first.
type Basis struct {
	Mean       []float64   // Training column means
	Directions [][]float64 // Directions[i] has the feature width
	Variances  []float64   // Eigenvalue of each direction
}

// Dim returns the number of directions held.
func (b *Basis) Dim() int { return len(b.Directions) }

// ExplainedVariance returns the share of total training variance captured by the first
// beta directions. Non-positive beta keeps nothing.
func (b *Basis) ExplainedVariance(beta int, total float64) float64 {
	if total == 0 || beta <= 0 {
		return 0
	}
	return floats.Sum(b.Variances[:min(beta, len(b.Variances))]) / total
}

// Config holds reduction configuration
type Config struct {
	MinRows int // Minimum training rows needed to estimate a covariance
}

// DefaultConfig returns default reduction configuration
func DefaultConfig() Config {
	return Config{MinRows: 2}
}

// PCA is the reduction stage. Fit is expensive and runs once; the Transform calls are
// cheap and side-effect free.
type PCA struct {
	config        Config
	basis         *Basis
	totalVariance float64
}

// New creates a new PCA stage
func New(cfg Config) *PCA {
	if cfg.MinRows < 2 {
		cfg.MinRows = 2
	}
	return &PCA{config: cfg}
}

// Fit computes the basis with maxDim directions from the training features.
func (p *PCA) Fit(ctx context.Context, X [][]float64, maxDim int) error {
	start := time.Now()
	defer func() {
		monitor.FitDuration.WithLabelValues("reduction").Observe(time.Since(start).Seconds())
	}()

	if maxDim <= 0 {
		return errdefs.InvalidParameter("reduction.Fit", "beta_max", maxDim)
	}
	rows := len(X)
	if rows < p.config.MinRows {
		return errdefs.Newf("reduction.Fit", errdefs.ErrData, "need at least %d rows, got %d", p.config.MinRows, rows)
	}
	cols := len(X[0])
	if maxDim > cols {
		return errdefs.Newf("reduction.Fit", errdefs.ErrOutOfRange, "beta_max=%d exceeds feature width %d", maxDim, cols)
	}

	data := make([]float64, rows*cols)
	for i, vec := range X {
		if len(vec) != cols {
			return errdefs.Newf("reduction.Fit", errdefs.ErrData, "row %d has inconsistent dimensions", i)
		}
		copy(data[i*cols:], vec)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	X0 := mat.NewDense(rows, cols, data)
	means := make([]float64, cols)
	for j := range means {
		means[j] = stat.Mean(mat.Col(nil, j, X0), nil)
	}

	// Covariance with the rows-1 denominator
	cov := mat.NewSymDense(cols, nil)
	stat.CovarianceMatrix(cov, X0, nil)

	var eigen mat.EigenSym
	if ok := eigen.Factorize(cov, true); !ok {
		return errdefs.New("reduction.Fit", errdefs.ErrPrerequisite, "eigendecomposition failed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	eigenValues := eigen.Values(nil)
	var eigenVectors mat.Dense
	eigen.VectorsTo(&eigenVectors)

	// Sort eigenvalues and eigenvectors in descending order
	indices := make([]int, len(eigenValues))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return eigenValues[indices[i]] > eigenValues[indices[j]]
	})

	basis := &Basis{
		Mean:       means,
		Directions: make([][]float64, maxDim),
		Variances:  make([]float64, maxDim),
	}
	for i := 0; i < maxDim; i++ {
		dir := mat.Col(nil, indices[i], &eigenVectors)
		orient(dir)
		basis.Directions[i] = dir
		basis.Variances[i] = math.Max(eigenValues[indices[i]], 0)
	}

	p.basis = basis
	p.totalVariance = floats.Sum(eigenValues)
	return nil
}

// orient flips dir so its largest-magnitude component is positive.
func orient(dir []float64) {
	if dir[floats.MaxIdx(absAll(dir))] < 0 {
		floats.Scale(-1, dir)
	}
}

func absAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Abs(x)
	}
	return out
}

// Basis returns the fitted basis, or nil before Fit.
func (p *PCA) Basis() *Basis { return p.basis }

// MaxDim returns the number of fitted directions.
func (p *PCA) MaxDim() int {
	if p.basis == nil {
		return 0
	}
	return p.basis.Dim()
}

// ExplainedVariance returns the share of training variance kept at dimension beta.
func (p *PCA) ExplainedVariance(beta int) float64 {
	if p.basis == nil {
		return 0
	}
	return p.basis.ExplainedVariance(beta, p.totalVariance)
}

// Transform projects X onto every fitted direction.
func (p *PCA) Transform(X [][]float64) ([][]float64, error) {
	return p.TransformToDimension(X, p.MaxDim())
}

// TransformToDimension projects X onto the first beta directions. Each output cell is
// computed independently, so lower dimensions are exact column prefixes of higher ones.
func (p *PCA) TransformToDimension(X [][]float64, beta int) ([][]float64, error) {
	if p.basis == nil {
		return nil, errdefs.New("reduction.Transform", errdefs.ErrNotFitted, "Fit must be called first")
	}
	if beta <= 0 {
		return nil, errdefs.InvalidParameter("reduction.Transform", "beta", beta)
	}
	if beta > p.basis.Dim() {
		return nil, errdefs.Newf("reduction.Transform", errdefs.ErrOutOfRange,
			"beta=%d exceeds beta_max=%d", beta, p.basis.Dim())
	}

	width := len(p.basis.Mean)
	centered := make([]float64, width)
	result := make([][]float64, len(X))
	for i, vec := range X {
		if len(vec) != width {
			return nil, errdefs.Newf("reduction.Transform", errdefs.ErrData,
				"row %d: vector dimension mismatch: got %d, want %d", i, len(vec), width)
		}
		floats.SubTo(centered, vec, p.basis.Mean)
		out := make([]float64, beta)
		for j := 0; j < beta; j++ {
			out[j] = floats.Dot(centered, p.basis.Directions[j])
		}
		result[i] = out
	}
	return result, nil
}

func (p *PCA) String() string {
	return fmt.Sprintf("PCA(beta_max=%d)", p.MaxDim())
}
