package output

import (
	"context"
	"errors"

	"github.com/objones25/knnsweep/internal/sweep"
)

// MultiWriter fans reports out to several writers. Every writer is tried; the errors
// are joined.
type MultiWriter []sweep.ReportWriter

// Multi creates a MultiWriter, skipping nil writers.
func Multi(writers ...sweep.ReportWriter) MultiWriter {
	out := make(MultiWriter, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

// WriteReport implements sweep.ReportWriter.
func (m MultiWriter) WriteReport(ctx context.Context, r *sweep.Report) error {
	var errs []error
	for _, w := range m {
		if err := w.WriteReport(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
