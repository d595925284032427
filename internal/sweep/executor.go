// Package sweep evaluates the classification pipeline over ranges of k and beta. The
// reduction and classification stages are fitted once at their expensive granularity
// and every configuration point is answered by cheap queries over that fitted state.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/objones25/knnsweep/internal/classifier"
	"github.com/objones25/knnsweep/internal/config"
	"github.com/objones25/knnsweep/internal/dataset"
	"github.com/objones25/knnsweep/internal/errdefs"
	"github.com/objones25/knnsweep/internal/metrics"
	"github.com/objones25/knnsweep/internal/monitor"
	"github.com/objones25/knnsweep/internal/reduction"
	"github.com/rs/zerolog"
)

// Reducer is the reduction capability: one expensive Fit, then prefix projections.
type Reducer interface {
	Fit(ctx context.Context, X [][]float64, maxDim int) error
	TransformToDimension(X [][]float64, beta int) ([][]float64, error)
}

// Classifier is the classification capability: Fit and Query are expensive,
// PredictForK is cheap and repeatable.
type Classifier interface {
	Fit(X [][]float64, y []int) error
	Query(ctx context.Context, X [][]float64) error
	Predict(ctx context.Context, X [][]float64) ([]int, error)
	PredictForK(k int) ([]int, error)
}

// State is the lifecycle position of a run
type State int

const (
	StateConfigured State = iota
	StatePartitioned
	StateReduced
	StateFit
	StateSweeping
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StatePartitioned:
		return "partitioned"
	case StateReduced:
		return "reduced"
	case StateFit:
		return "fit"
	case StateSweeping:
		return "sweeping"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithReducer overrides how the reduction stage is built.
func WithReducer(f func() Reducer) Option {
	return func(e *Executor) { e.newReducer = f }
}

// WithClassifier overrides how the classification stage is built. kMax is the largest k
// the run will ask for.
func WithClassifier(f func(kMax int) Classifier) Option {
	return func(e *Executor) { e.newClassifier = f }
}

// WithReportWriter adds a writer that receives every finished beta pass.
func WithReportWriter(w ReportWriter) Option {
	return func(e *Executor) { e.reports = append(e.reports, w) }
}

// WithPredictionWriter adds a writer for single-point runs.
func WithPredictionWriter(w PredictionWriter) Option {
	return func(e *Executor) { e.predictions = append(e.predictions, w) }
}

// Executor drives one evaluation run
type Executor struct {
	config        config.Config
	logger        zerolog.Logger
	newReducer    func() Reducer
	newClassifier func(kMax int) Classifier
	reports       []ReportWriter
	predictions   []PredictionWriter
	state         State
}

// New creates an executor for cfg. By default it uses the PCA and exact kNN stages.
func New(cfg config.Config, opts ...Option) *Executor {
	e := &Executor{
		config: cfg,
		logger: zerolog.Nop(),
		newReducer: func() Reducer {
			return reduction.New(reduction.DefaultConfig())
		},
		newClassifier: func(kMax int) Classifier {
			return classifier.New(classifier.Config{
				K:         cfg.KNN.K,
				KMax:      kMax,
				Workers:   cfg.KNN.Workers,
				CacheSize: cfg.KNN.CacheSize,
			})
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the lifecycle position of the last run.
func (e *Executor) State() State { return e.state }

// Execute runs a sweep when any range is configured and a single point otherwise.
func (e *Executor) Execute(ctx context.Context, train, test *dataset.Table) error {
	if e.config.Sweeping() {
		_, err := e.Run(ctx, train, test)
		return err
	}
	_, err := e.RunSingle(ctx, train, test)
	return err
}

func (e *Executor) fail(err error) error {
	e.state = StateFailed
	return err
}

// prepare validates the ranges and tables and moves the run to StatePartitioned.
func (e *Executor) prepare(train, test *dataset.Table) (kRange config.Range, err error) {
	e.state = StateConfigured
	kRange = e.config.KRange()
	if e.config.KNN.Sweep != nil {
		if err := kRange.Validate(); err != nil {
			return kRange, e.fail(fmt.Errorf("knn sweep: %w", err))
		}
	}
	if betaRange, ok := e.config.BetaRange(); ok && e.config.PCA.Sweep != nil {
		if err := betaRange.Validate(); err != nil {
			return kRange, e.fail(fmt.Errorf("pca sweep: %w", err))
		}
	}
	if err := dataset.CheckCompatible(train, test); err != nil {
		return kRange, e.fail(err)
	}
	e.state = StatePartitioned
	return kRange, nil
}

// fitReducer fits the reduction stage once at the largest beta the run needs, capped by
// the feature width so larger betas fail per point instead of aborting the run.
func (e *Executor) fitReducer(ctx context.Context, train *dataset.Table, betaRange config.Range) (Reducer, error) {
	betaMax := min(betaRange.Max(), train.Width())
	if betaMax < betaRange.Max() {
		e.logger.Warn().
			Int("beta_max", betaRange.Max()).
			Int("features", train.Width()).
			Msg("Beta range exceeds feature width; larger betas will be recorded as failures")
	}
	if betaMax <= 0 {
		return nil, errdefs.Newf("sweep.fitReducer", errdefs.ErrConfiguration, "beta_max=%d must be positive", betaMax)
	}

	start := time.Now()
	reducer := e.newReducer()
	if err := reducer.Fit(ctx, train.Features, betaMax); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, errdefs.New("sweep.fitReducer", fmt.Errorf("%w: %w", errdefs.ErrPrerequisite, err), "reduction fit")
	}
	e.logger.Info().
		Int("beta_max", betaMax).
		Dur("duration", time.Since(start)).
		Msg("Fitted reduction basis")
	return reducer, nil
}

// Run evaluates every (beta, k) point. Each finished beta pass is handed to the report
// writers before the next one starts, so a cancelled run keeps what it completed.
func (e *Executor) Run(ctx context.Context, train, test *dataset.Table) (*Summary, error) {
	kRange, err := e.prepare(train, test)
	if err != nil {
		return nil, err
	}
	if !test.Labelled() {
		return nil, e.fail(errdefs.New("sweep.Run", errdefs.ErrData, "a sweep needs a labelled test set"))
	}

	recorder := metrics.NewRecorder(append(train.Classes(), test.Classes()...), e.config.Output.PerClass)
	summary := &Summary{}

	betaRange, reduces := e.config.BetaRange()
	var reducer Reducer
	if reduces {
		if reducer, err = e.fitReducer(ctx, train, betaRange); err != nil {
			return summary, e.fail(err)
		}
		e.state = StateReduced
	} else {
		// One pass without reduction.
		betaRange = config.Range{Start: 0, End: 1, Step: 1}
	}
	sweptBeta := reduces && e.config.PCA.Sweep != nil

	e.logger.Info().
		Str("method", e.config.Method.String()).
		Str("k", kRange.String()).
		Str("beta", betaRange.String()).
		Int("train_rows", train.Len()).
		Int("test_rows", test.Len()).
		Msg("Starting sweep")

	for beta := range betaRange.All() {
		if err := ctx.Err(); err != nil {
			e.logger.Warn().Int("points", summary.Points).Msg("Sweep cancelled")
			return summary, e.fail(err)
		}
		p := &pass{
			executor: e,
			report: &Report{
				Method:    e.config.Method,
				Beta:      beta,
				TrainSize: train.Len(),
				TestSize:  test.Len(),
				Classes:   recorder.Classes(),
				PerClass:  recorder.PerClass(),
			},
			recorder: recorder,
			reducer:  reducer,
			kRange:   kRange,
		}
		runErr := p.run(ctx, train, test)
		cancelled := isCancel(runErr)
		// A pass cancelled before its first point has nothing to keep.
		keep := !cancelled || len(p.report.Records) > 0

		if keep {
			summary.Reports = append(summary.Reports, p.report)
			summary.Points += len(p.report.Records)
			summary.Failed += p.report.Failures()
		}

		if runErr != nil && !sweptBeta && !cancelled {
			monitor.BetaPasses.WithLabelValues("fatal").Inc()
			return summary, e.fail(runErr)
		}
		if keep {
			if err := e.writeReport(ctx, p.report); err != nil {
				return summary, e.fail(err)
			}
		}
		if cancelled {
			e.logger.Warn().Int("points", summary.Points).Msg("Sweep cancelled")
			return summary, e.fail(runErr)
		}
	}

	e.state = StateDone
	e.logger.Info().
		Int("points", summary.Points).
		Int("failed", summary.Failed).
		Msg("Sweep finished")
	return summary, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Executor) writeReport(ctx context.Context, r *Report) error {
	for _, w := range e.reports {
		// Writers get a context that survives cancellation so completed points are kept.
		if err := w.WriteReport(context.WithoutCancel(ctx), r); err != nil {
			return fmt.Errorf("failed to write report %s: %w", r.Identity(), err)
		}
	}
	return nil
}

// pass is one outer beta iteration
type pass struct {
	executor *Executor
	report   *Report
	recorder *metrics.Recorder
	reducer  Reducer
	kRange   config.Range
}

func (p *pass) point(k int) metrics.Point {
	return metrics.Point{K: k, Beta: p.report.Beta}
}

// failAll records err for every k of the pass.
func (p *pass) failAll(err error) {
	for k := range p.kRange.All() {
		p.report.Records = append(p.report.Records, metrics.Failure(p.point(k), err))
		monitor.PointsEvaluated.WithLabelValues(p.report.Method.String(), "failed").Inc()
	}
}

// run transforms, fits and queries once, then answers every k from the cached ordering.
// It returns an error only when the pass could not fit or the context was cancelled.
func (p *pass) run(ctx context.Context, train, test *dataset.Table) error {
	e := p.executor
	logger := e.logger.With().Int("beta", p.report.Beta).Logger()
	start := time.Now()

	trainX, testX := train.Features, test.Features
	if p.reducer != nil {
		var err error
		trainX, err = p.reducer.TransformToDimension(train.Features, p.report.Beta)
		if err == nil {
			testX, err = p.reducer.TransformToDimension(test.Features, p.report.Beta)
		}
		if err != nil {
			if errdefs.IsOutOfRange(err) {
				logger.Warn().Err(err).Msg("Beta out of range")
				p.failAll(err)
				monitor.BetaPasses.WithLabelValues("out_of_range").Inc()
				return nil
			}
			return p.prerequisite(err, "reduction transform")
		}
	}

	clf := e.newClassifier(p.kRange.Max())
	if err := clf.Fit(trainX, train.Labels); err != nil {
		return p.prerequisite(err, "classifier fit")
	}
	if err := clf.Query(ctx, testX); err != nil {
		if isCancel(err) {
			return err
		}
		return p.prerequisite(err, "neighbor search")
	}
	e.state = StateFit
	logger.Info().Dur("duration", time.Since(start)).Msg("Fitted classifier")

	e.state = StateSweeping
	for k := range p.kRange.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := p.evaluate(clf, k, test.Labels)
		if rec.Failed() {
			logger.Warn().Int("k", k).Err(rec.Err).Msg("Configuration point failed")
			monitor.PointsEvaluated.WithLabelValues(p.report.Method.String(), "failed").Inc()
		} else {
			logger.Debug().Int("k", k).Float64("accuracy", rec.Accuracy).Float64("kappa", rec.Kappa).Msg("Evaluated point")
			monitor.PointsEvaluated.WithLabelValues(p.report.Method.String(), "ok").Inc()
		}
		p.report.Records = append(p.report.Records, rec)
	}

	if best, ok := p.report.Best(); ok {
		logger.Info().
			Int("best_k", best.Point.K).
			Float64("accuracy", best.Accuracy).
			Float64("kappa", best.Kappa).
			Dur("duration", time.Since(start)).
			Msg("Finished beta pass")
	}
	monitor.BetaPasses.WithLabelValues("ok").Inc()
	return nil
}

func (p *pass) evaluate(clf Classifier, k int, truth []int) metrics.Record {
	predicted, err := clf.PredictForK(k)
	if err != nil {
		return metrics.Failure(p.point(k), err)
	}
	return p.recorder.Record(p.point(k), truth, predicted)
}

func (p *pass) prerequisite(err error, stage string) error {
	wrapped := errdefs.Newf("sweep.pass", fmt.Errorf("%w: %w", errdefs.ErrPrerequisite, err), "%s for beta=%d", stage, p.report.Beta)
	p.report.Err = wrapped
	p.executor.logger.Error().Err(err).Int("beta", p.report.Beta).Str("stage", stage).Msg("Beta pass aborted")
	monitor.BetaPasses.WithLabelValues("failed").Inc()
	return wrapped
}

// RunSingle fits once and predicts every test row with the configured k and beta.
func (e *Executor) RunSingle(ctx context.Context, train, test *dataset.Table) (*Predictions, error) {
	if _, err := e.prepare(train, test); err != nil {
		return nil, err
	}

	out := &Predictions{
		Method:    e.config.Method,
		K:         e.config.KNN.K,
		TrainSize: train.Len(),
		TestSize:  test.Len(),
		Truth:     test.Labels,
	}

	trainX, testX := train.Features, test.Features
	if betaRange, ok := e.config.BetaRange(); ok {
		out.Beta = betaRange.Max()
		reducer, err := e.fitReducer(ctx, train, betaRange)
		if err != nil {
			return nil, e.fail(err)
		}
		if trainX, err = reducer.TransformToDimension(train.Features, out.Beta); err != nil {
			return nil, e.fail(err)
		}
		if testX, err = reducer.TransformToDimension(test.Features, out.Beta); err != nil {
			return nil, e.fail(err)
		}
		e.state = StateReduced
	}

	clf := e.newClassifier(e.config.KNN.K)
	if err := clf.Fit(trainX, train.Labels); err != nil {
		return nil, e.fail(errdefs.New("sweep.RunSingle", fmt.Errorf("%w: %w", errdefs.ErrPrerequisite, err), "classifier fit"))
	}
	e.state = StateFit

	predicted, err := clf.Predict(ctx, testX)
	if err != nil {
		return nil, e.fail(err)
	}
	out.Predicted = predicted
	monitor.PointsEvaluated.WithLabelValues(e.config.Method.String(), "ok").Inc()

	event := e.logger.Info().Int("k", out.K).Int("beta", out.Beta)
	if test.Labelled() {
		event = event.Float64("accuracy", metrics.Accuracy(out.Truth, out.Predicted))
	}
	event.Msg("Predicted test set")

	for _, w := range e.predictions {
		if err := w.WritePredictions(ctx, out); err != nil {
			return out, e.fail(fmt.Errorf("failed to write predictions: %w", err))
		}
	}
	e.state = StateDone
	return out, nil
}
