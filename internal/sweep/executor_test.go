package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/objones25/knnsweep/internal/classifier"
	"github.com/objones25/knnsweep/internal/config"
	"github.com/objones25/knnsweep/internal/dataset"
	"github.com/objones25/knnsweep/internal/errdefs"
	"github.com/objones25/knnsweep/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func table(d testutil.Dataset) *dataset.Table {
	return &dataset.Table{Columns: d.Columns(), Features: d.X, Labels: d.Y}
}

func blobs(t *testing.T, perClass int) (train, test *dataset.Table) {
	t.Helper()
	tr, te := testutil.Blobs(3, perClass, 4, 7).Split(0.75)
	return table(tr), table(te)
}

func sweepConfig(kSweep *config.Range) config.Config {
	cfg := config.DefaultConfig()
	cfg.Data.Train = "train.csv"
	cfg.Data.Test = "test.csv"
	cfg.KNN.K = 1
	cfg.KNN.Sweep = kSweep
	return cfg
}

// captureWriter keeps everything the executor writes
type captureWriter struct {
	mu          sync.Mutex
	reports     []*Report
	predictions []*Predictions
	err         error
}

func (w *captureWriter) WriteReport(ctx context.Context, r *Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reports = append(w.reports, r)
	return w.err
}

func (w *captureWriter) WritePredictions(ctx context.Context, p *Predictions) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.predictions = append(w.predictions, p)
	return w.err
}

// countingReducer projects onto the first beta raw columns and counts calls
type countingReducer struct {
	fits       int
	fitMax     int
	transforms map[int]int
	err        error
}

func (r *countingReducer) Fit(ctx context.Context, X [][]float64, maxDim int) error {
	r.fits++
	r.fitMax = maxDim
	return r.err
}

func (r *countingReducer) TransformToDimension(X [][]float64, beta int) ([][]float64, error) {
	if beta <= 0 {
		return nil, errdefs.InvalidParameter("fake", "beta", beta)
	}
	if beta > r.fitMax {
		return nil, errdefs.New("fake", errdefs.ErrOutOfRange, "")
	}
	r.transforms[beta]++
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = row[:beta]
	}
	return out, nil
}

// countingClassifier wraps the real classifier and counts expensive calls
type countingClassifier struct {
	*classifier.KNN
	fits, queries, votes *int
	failFit              bool
	onVote               func(k int)
}

func (c *countingClassifier) Fit(X [][]float64, y []int) error {
	*c.fits++
	if c.failFit {
		return errdefs.New("fake", errdefs.ErrData, "fit failed")
	}
	return c.KNN.Fit(X, y)
}

func (c *countingClassifier) Query(ctx context.Context, X [][]float64) error {
	*c.queries++
	return c.KNN.Query(ctx, X)
}

func (c *countingClassifier) PredictForK(k int) ([]int, error) {
	*c.votes++
	if c.onVote != nil {
		c.onVote(k)
	}
	return c.KNN.PredictForK(k)
}

type counts struct{ fits, queries, votes int }

func countingFactory(n *counts, mutate func(c *countingClassifier, call int)) func(int) Classifier {
	return func(kMax int) Classifier {
		c := &countingClassifier{
			KNN:     classifier.New(classifier.Config{K: 1, KMax: kMax}),
			fits:    &n.fits,
			queries: &n.queries,
			votes:   &n.votes,
		}
		if mutate != nil {
			mutate(c, n.fits)
		}
		return c
	}
}

func TestKSweepOrder(t *testing.T) {
	train, test := blobs(t, 40)
	w := &captureWriter{}
	e := New(sweepConfig(&config.Range{Start: 1, End: 10, Step: 2}), WithReportWriter(w), WithLogger(testutil.Logger(t)))

	summary, err := e.Run(context.Background(), train, test)
	require.NoError(t, err)
	assert.Equal(t, StateDone, e.State())

	require.Len(t, w.reports, 1)
	report := w.reports[0]
	assert.Equal(t, "method0_train90_test30_betaNone", report.Identity())
	require.Len(t, report.Records, 5)
	var ks []int
	for _, rec := range report.Records {
		require.False(t, rec.Failed())
		ks = append(ks, rec.Point.K)
		assert.Greater(t, rec.Accuracy, 0.9)
		assert.Equal(t, 0, rec.Point.Beta)
	}
	assert.Equal(t, []int{1, 3, 5, 7, 9}, ks)
	assert.Equal(t, 5, summary.Points)
	assert.Equal(t, 0, summary.Failed)
}

func TestPointFailuresDoNotAbort(t *testing.T) {
	tr, te := testutil.Blobs(2, 3, 2, 3).Split(0.5) // 3 training rows
	w := &captureWriter{}
	e := New(sweepConfig(&config.Range{Start: 0, End: 6, Step: 1}), WithReportWriter(w))

	summary, err := e.Run(context.Background(), table(tr), table(te))
	require.NoError(t, err)
	require.Len(t, w.reports, 1)

	records := w.reports[0].Records
	require.Len(t, records, 6)

	assert.True(t, errdefs.IsInvalidParameter(records[0].Err), "k=0")
	for _, rec := range records[1:4] {
		assert.False(t, rec.Failed(), "k=%d", rec.Point.K)
	}
	for _, rec := range records[4:] {
		assert.True(t, errdefs.IsOutOfRange(rec.Err), "k=%d exceeds the training rows", rec.Point.K)
		assert.False(t, errdefs.IsInvalidParameter(rec.Err))
	}
	assert.Equal(t, 3, summary.Failed)
}

func TestFitOncePerGranularity(t *testing.T) {
	train, test := blobs(t, 20)
	cfg := sweepConfig(&config.Range{Start: 1, End: 4, Step: 1})
	cfg.Method = config.MethodPCAKNN
	cfg.PCA.Sweep = &config.Range{Start: 1, End: 4, Step: 1}

	reducer := &countingReducer{transforms: map[int]int{}}
	var n counts
	w := &captureWriter{}
	e := New(cfg,
		WithReducer(func() Reducer { return reducer }),
		WithClassifier(countingFactory(&n, nil)),
		WithReportWriter(w),
	)

	summary, err := e.Run(context.Background(), train, test)
	require.NoError(t, err)

	assert.Equal(t, 1, reducer.fits, "reduction fitted once")
	assert.Equal(t, 3, reducer.fitMax, "at the largest beta")
	assert.Equal(t, map[int]int{1: 2, 2: 2, 3: 2}, reducer.transforms, "train and test once per beta")
	assert.Equal(t, 3, n.fits, "classifier fitted once per beta")
	assert.Equal(t, 3, n.queries, "neighbor search once per beta")
	assert.Equal(t, 9, n.votes)

	require.Len(t, w.reports, 3)
	for i, report := range w.reports {
		assert.Equal(t, i+1, report.Beta)
		for j, rec := range report.Records {
			assert.Equal(t, j+1, rec.Point.K)
			assert.Equal(t, i+1, rec.Point.Beta)
		}
	}
	assert.Equal(t, 9, summary.Points)
}

func TestBetaOutOfRangeIsRecorded(t *testing.T) {
	train, test := blobs(t, 20)
	cfg := sweepConfig(&config.Range{Start: 1, End: 6, Step: 2})
	cfg.Method = config.MethodPCAKNN
	cfg.PCA.Sweep = &config.Range{Start: 2, End: 7, Step: 2} // 2, 4, 6 with 4 features

	w := &captureWriter{}
	e := New(cfg, WithReportWriter(w))
	summary, err := e.Run(context.Background(), train, test)
	require.NoError(t, err)

	require.Len(t, w.reports, 3)
	for _, rec := range w.reports[0].Records {
		assert.False(t, rec.Failed())
	}
	for _, rec := range w.reports[1].Records {
		assert.False(t, rec.Failed())
	}
	require.Len(t, w.reports[2].Records, 3)
	for _, rec := range w.reports[2].Records {
		assert.True(t, errdefs.IsOutOfRange(rec.Err))
		assert.Equal(t, 6, rec.Point.Beta)
	}
	assert.Equal(t, "method1_train45_test15_beta6", w.reports[2].Identity())
	assert.Equal(t, 3, summary.Failed)
}

func TestPrerequisiteFailure(t *testing.T) {
	train, test := blobs(t, 10)

	t.Run("swept beta continues", func(t *testing.T) {
		cfg := sweepConfig(&config.Range{Start: 1, End: 3, Step: 1})
		cfg.Method = config.MethodPCAKNN
		cfg.PCA.Sweep = &config.Range{Start: 1, End: 4, Step: 1}

		var n counts
		w := &captureWriter{}
		e := New(cfg,
			WithClassifier(countingFactory(&n, func(c *countingClassifier, call int) {
				c.failFit = call == 1 // second beta
			})),
			WithReportWriter(w),
		)
		_, err := e.Run(context.Background(), train, test)
		require.NoError(t, err)

		require.Len(t, w.reports, 3)
		assert.NoError(t, w.reports[0].Err)
		assert.True(t, errdefs.IsPrerequisite(w.reports[1].Err))
		assert.Empty(t, w.reports[1].Records)
		assert.NoError(t, w.reports[2].Err)
		assert.Len(t, w.reports[2].Records, 2)
	})

	t.Run("single pass is fatal", func(t *testing.T) {
		var n counts
		w := &captureWriter{}
		e := New(sweepConfig(&config.Range{Start: 1, End: 3, Step: 1}),
			WithClassifier(countingFactory(&n, func(c *countingClassifier, _ int) { c.failFit = true })),
			WithReportWriter(w),
		)
		_, err := e.Run(context.Background(), train, test)
		assert.True(t, errdefs.IsPrerequisite(err))
		assert.Equal(t, StateFailed, e.State())
		assert.Empty(t, w.reports)
	})

	t.Run("reduction fit is fatal", func(t *testing.T) {
		cfg := sweepConfig(&config.Range{Start: 1, End: 3, Step: 1})
		cfg.Method = config.MethodPCAKNN
		cfg.PCA.Sweep = &config.Range{Start: 1, End: 4, Step: 1}

		reducer := &countingReducer{transforms: map[int]int{}, err: errors.New("no convergence")}
		w := &captureWriter{}
		e := New(cfg, WithReducer(func() Reducer { return reducer }), WithReportWriter(w))
		_, err := e.Run(context.Background(), train, test)
		assert.True(t, errdefs.IsPrerequisite(err))
		assert.Empty(t, w.reports)
	})
}

func TestConfigurationAndDataErrors(t *testing.T) {
	train, test := blobs(t, 10)

	e := New(sweepConfig(&config.Range{Start: 5, End: 5, Step: 1}))
	_, err := e.Run(context.Background(), train, test)
	assert.True(t, errdefs.IsConfiguration(err))

	e = New(sweepConfig(&config.Range{Start: 1, End: 5, Step: 0}))
	_, err = e.Run(context.Background(), train, test)
	assert.True(t, errdefs.IsConfiguration(err))

	narrow := &dataset.Table{Columns: []string{"f0"}, Features: [][]float64{{1}}, Labels: []int{0}}
	e = New(sweepConfig(&config.Range{Start: 1, End: 5, Step: 1}))
	_, err = e.Run(context.Background(), train, narrow)
	assert.True(t, errdefs.IsData(err))
	assert.Equal(t, StateFailed, e.State())
}

func TestCancellationKeepsCompletedPoints(t *testing.T) {
	train, test := blobs(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var n counts
	w := &captureWriter{}
	e := New(sweepConfig(&config.Range{Start: 1, End: 10, Step: 1}),
		WithClassifier(countingFactory(&n, func(c *countingClassifier, _ int) {
			c.onVote = func(k int) {
				if k == 3 {
					cancel()
				}
			}
		})),
		WithReportWriter(w),
	)

	summary, err := e.Run(ctx, train, test)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, w.reports, 1, "completed points are still written")
	assert.Len(t, w.reports[0].Records, 3)
	assert.Equal(t, 3, summary.Points)
	for _, rec := range w.reports[0].Records {
		assert.False(t, rec.Failed())
	}
}

func TestCancellationBetweenBetaPasses(t *testing.T) {
	train, test := blobs(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := sweepConfig(&config.Range{Start: 1, End: 3, Step: 1})
	cfg.Method = config.MethodPCAKNN
	cfg.PCA.Sweep = &config.Range{Start: 1, End: 4, Step: 1}

	var n counts
	w := &captureWriter{}
	e := New(cfg,
		WithClassifier(countingFactory(&n, func(c *countingClassifier, call int) {
			if call == 0 {
				// Cancel on the last point of the first pass.
				c.onVote = func(k int) {
					if k == 2 {
						cancel()
					}
				}
			}
		})),
		WithReportWriter(w),
	)

	summary, err := e.Run(ctx, train, test)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, w.reports, 1, "no empty report for passes that never started")
	assert.Equal(t, 1, w.reports[0].Beta)
	assert.Len(t, w.reports[0].Records, 2)
	assert.Len(t, summary.Reports, 1)
	assert.Equal(t, 1, n.fits)
}

func TestInvalidBetasKeepDistinctReports(t *testing.T) {
	train, test := blobs(t, 10)
	cfg := sweepConfig(&config.Range{Start: 1, End: 3, Step: 1})
	cfg.Method = config.MethodPCAKNN
	cfg.PCA.Sweep = &config.Range{Start: -1, End: 3, Step: 1}

	w := &captureWriter{}
	e := New(cfg, WithReportWriter(w), WithLogger(testutil.Logger(t)))
	_, err := e.Run(context.Background(), train, test)
	require.NoError(t, err)
	require.Len(t, w.reports, 4)

	var ids []string
	for _, r := range w.reports {
		ids = append(ids, r.Identity())
	}
	assert.Equal(t, []string{
		"method1_train22_test8_beta-1",
		"method1_train22_test8_beta0",
		"method1_train22_test8_beta1",
		"method1_train22_test8_beta2",
	}, ids)
	for _, r := range w.reports[:2] {
		assert.Equal(t, 2, r.Failures())
	}
}

func TestWriterErrorIsFatal(t *testing.T) {
	train, test := blobs(t, 10)
	w := &captureWriter{err: errors.New("disk full")}
	e := New(sweepConfig(&config.Range{Start: 1, End: 3, Step: 1}), WithReportWriter(w))
	_, err := e.Run(context.Background(), train, test)
	assert.ErrorContains(t, err, "disk full")
}

func TestRunSingle(t *testing.T) {
	testutil.QuietLogs(t, zerolog.Disabled)

	train, test := testutil.Blobs(4, 50, 3, 5).Split(0.5)
	require.Len(t, test.Y, 100)

	t.Run("plain", func(t *testing.T) {
		cfg := sweepConfig(nil)
		cfg.KNN.K = 3
		w := &captureWriter{}
		e := New(cfg, WithPredictionWriter(w), WithReportWriter(w))

		require.NoError(t, e.Execute(context.Background(), table(train), table(test)))
		require.Len(t, w.predictions, 1)
		assert.Empty(t, w.reports)

		p := w.predictions[0]
		assert.Len(t, p.Predicted, 100)
		assert.Equal(t, test.Y, p.Truth)
		assert.Equal(t, 3, p.K)
		assert.Equal(t, "method0_train100_test100_betaNone", p.Identity())
		assert.Equal(t, StateDone, e.State())
	})

	t.Run("with reduction", func(t *testing.T) {
		cfg := sweepConfig(nil)
		cfg.Method = config.MethodPCAKNN
		cfg.PCA.Beta = 2
		w := &captureWriter{}
		e := New(cfg, WithPredictionWriter(w))

		p, err := e.RunSingle(context.Background(), table(train), table(test))
		require.NoError(t, err)
		assert.Equal(t, 2, p.Beta)
		assert.Len(t, p.Predicted, 100)
		assert.Len(t, w.predictions, 1)
	})

	t.Run("invalid k is fatal", func(t *testing.T) {
		cfg := sweepConfig(nil)
		cfg.KNN.K = 0
		e := New(cfg)
		_, err := e.RunSingle(context.Background(), table(train), table(test))
		assert.True(t, errdefs.IsInvalidParameter(err))
	})
}

func TestUnlabelledTestSet(t *testing.T) {
	train, test := testutil.Blobs(2, 20, 3, 9).Split(0.5)
	query := table(test)
	query.Labels = nil

	t.Run("single point predicts", func(t *testing.T) {
		cfg := sweepConfig(nil)
		cfg.KNN.K = 3
		w := &captureWriter{}
		e := New(cfg, WithPredictionWriter(w), WithLogger(testutil.Logger(t)))

		p, err := e.RunSingle(context.Background(), table(train), query)
		require.NoError(t, err)
		assert.Nil(t, p.Truth)
		assert.Len(t, p.Predicted, 20)
		assert.Equal(t, test.Y, p.Predicted, "well separated blobs")
		require.Len(t, w.predictions, 1)
	})

	t.Run("sweep refuses", func(t *testing.T) {
		e := New(sweepConfig(&config.Range{Start: 1, End: 3, Step: 1}))
		_, err := e.Run(context.Background(), table(train), query)
		assert.True(t, errdefs.IsData(err))
		assert.Equal(t, StateFailed, e.State())
	})
}
