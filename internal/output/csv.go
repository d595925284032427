// Package output writes sweep reports, single-point predictions and submissions.
package output

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/objones25/knnsweep/internal/metrics"
	"github.com/objones25/knnsweep/internal/monitor"
	"github.com/objones25/knnsweep/internal/sweep"
	"github.com/rs/zerolog/log"
)

// EnsureDir creates dir and its parents if needed. It is safe to call repeatedly.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return nil
}

// CSVWriter writes one CSV file per beta pass and one prediction file per single-point
// run into a directory.
type CSVWriter struct {
	dir    string
	prefix string
}

// NewCSVWriter creates a writer. The directory must exist; see EnsureDir.
func NewCSVWriter(dir, prefix string) *CSVWriter {
	return &CSVWriter{dir: dir, prefix: prefix}
}

// ReportPath returns the file a report is written to.
func (w *CSVWriter) ReportPath(r *sweep.Report) string {
	return filepath.Join(w.dir, w.prefix+"_"+r.Identity())
}

// PredictionsPath returns the file predictions are written to.
func (w *CSVWriter) PredictionsPath(p *sweep.Predictions) string {
	return filepath.Join(w.dir, w.prefix+"_"+p.Identity()+"_predictions")
}

// WriteReport implements sweep.ReportWriter.
func (w *CSVWriter) WriteReport(ctx context.Context, r *sweep.Report) error {
	path := w.ReportPath(r)
	if err := writeFile(path, func(out io.Writer) error { return EncodeReport(out, r) }); err != nil {
		monitor.PublishOperations.WithLabelValues("csv", "error").Inc()
		return err
	}
	monitor.PublishOperations.WithLabelValues("csv", "ok").Inc()
	log.Info().Str("path", path).Int("records", len(r.Records)).Msg("Wrote sweep report")
	return nil
}

// WritePredictions implements sweep.PredictionWriter.
func (w *CSVWriter) WritePredictions(ctx context.Context, p *sweep.Predictions) error {
	path := w.PredictionsPath(p)
	if err := writeFile(path, func(out io.Writer) error { return EncodePredictions(out, p) }); err != nil {
		monitor.PublishOperations.WithLabelValues("csv", "error").Inc()
		return err
	}
	monitor.PublishOperations.WithLabelValues("csv", "ok").Inc()
	log.Info().Str("path", path).Int("rows", len(p.Predicted)).Msg("Wrote predictions")
	return nil
}

func writeFile(path string, encode func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := encode(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Header returns the report columns: k, accuracy and kappa, then recall and F1 per class
// when enabled, then the count of test rows left without a prediction and the failure
// message of a failed point.
func Header(r *sweep.Report) []string {
	header := []string{"k", "accuracy", "kappa_cohen"}
	if r.PerClass {
		for _, c := range r.Classes {
			header = append(header, "recall_"+strconv.Itoa(c))
		}
		for _, c := range r.Classes {
			header = append(header, "f1score_"+strconv.Itoa(c))
		}
	}
	return append(header, "failures", "error")
}

// EncodeReport writes a report as CSV with a header row, one row per record in sweep
// order. Failed records keep their k and carry the error in the last column.
func EncodeReport(out io.Writer, r *sweep.Report) error {
	cw := csv.NewWriter(out)
	header := Header(r)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for _, rec := range r.Records {
		encodeRecord(row, rec, r)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeRecord(row []string, rec metrics.Record, r *sweep.Report) {
	clear(row)
	row[0] = strconv.Itoa(rec.Point.K)
	if rec.Failed() {
		row[len(row)-1] = rec.Err.Error()
		return
	}
	row[1] = formatFloat(rec.Accuracy)
	row[2] = formatFloat(rec.Kappa)
	row[len(row)-2] = strconv.Itoa(rec.Failures)
	if r.PerClass {
		n := len(r.Classes)
		for i, s := range rec.PerClass {
			row[3+i] = formatFloat(s.Recall)
			row[3+n+i] = formatFloat(s.F1)
		}
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// EncodePredictions writes one "true,predicted" line per test row without a header.
func EncodePredictions(out io.Writer, p *sweep.Predictions) error {
	if len(p.Truth) != len(p.Predicted) {
		return fmt.Errorf("predictions need one true label per row: %d true, %d predicted", len(p.Truth), len(p.Predicted))
	}
	cw := csv.NewWriter(out)
	for i := range p.Predicted {
		if err := cw.Write([]string{strconv.Itoa(p.Truth[i]), strconv.Itoa(p.Predicted[i])}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SubmissionWriter writes single-point predictions as an ImageId,Label file. It does not
// need true labels.
type SubmissionWriter struct {
	path string
}

// NewSubmissionWriter creates a writer for path. The parent directory must exist.
func NewSubmissionWriter(path string) *SubmissionWriter {
	return &SubmissionWriter{path: path}
}

// Path returns the submission file.
func (w *SubmissionWriter) Path() string { return w.path }

// WritePredictions implements sweep.PredictionWriter.
func (w *SubmissionWriter) WritePredictions(ctx context.Context, p *sweep.Predictions) error {
	if err := writeFile(w.path, func(out io.Writer) error { return EncodeSubmission(out, p) }); err != nil {
		monitor.PublishOperations.WithLabelValues("submission", "error").Inc()
		return err
	}
	monitor.PublishOperations.WithLabelValues("submission", "ok").Inc()
	log.Info().Str("path", w.path).Int("rows", len(p.Predicted)).Msg("Wrote submission")
	return nil
}

// EncodeSubmission writes an ImageId,Label header and one row per test row, numbering
// rows from 1 in test order.
func EncodeSubmission(out io.Writer, p *sweep.Predictions) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"ImageId", "Label"}); err != nil {
		return err
	}
	for i, label := range p.Predicted {
		if err := cw.Write([]string{strconv.Itoa(i + 1), strconv.Itoa(label)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
