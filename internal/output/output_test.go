package output

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/objones25/knnsweep/internal/config"
	"github.com/objones25/knnsweep/internal/metrics"
	"github.com/objones25/knnsweep/internal/sweep"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport(perClass bool) *sweep.Report {
	truth := []int{0, 0, 1, 1}
	rec := metrics.NewRecorder([]int{0, 1}, perClass)
	return &sweep.Report{
		Method:    config.MethodPCAKNN,
		Beta:      3,
		TrainSize: 12,
		TestSize:  4,
		Classes:   []int{0, 1},
		PerClass:  perClass,
		Records: []metrics.Record{
			rec.Record(metrics.Point{K: 1, Beta: 3}, truth, []int{0, 0, 1, 1}),
			rec.Record(metrics.Point{K: 3, Beta: 3}, truth, []int{0, 1, 1, 1}),
			metrics.Failure(metrics.Point{K: 20, Beta: 3}, errors.New("k out of range")),
		},
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data", "tests")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestHeader(t *testing.T) {
	assert.Equal(t, []string{"k", "accuracy", "kappa_cohen", "failures", "error"}, Header(sampleReport(false)))
	assert.Equal(t, []string{
		"k", "accuracy", "kappa_cohen",
		"recall_0", "recall_1",
		"f1score_0", "f1score_1",
		"failures", "error",
	}, Header(sampleReport(true)))
}

func TestEncodeReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeReport(&buf, sampleReport(false)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "k,accuracy,kappa_cohen,failures,error", lines[0])
	assert.Equal(t, "1,1,1,0,", lines[1])
	assert.Equal(t, "3,0.75,0.5,0,", lines[2])
	assert.Equal(t, "20,,,,k out of range", lines[3])
}

func TestEncodeReportPerClass(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeReport(&buf, sampleReport(true)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	// Class 0: recall 1/2, precision 1. Class 1: recall 1, precision 2/3.
	fields := strings.Split(lines[2], ",")
	require.Len(t, fields, 9)
	want := []float64{3, 0.75, 0.5, 0.5, 1, 2.0 / 3, 0.8}
	for i, w := range want {
		got, err := strconv.ParseFloat(fields[i], 64)
		require.NoError(t, err)
		assert.InDelta(t, w, got, 1e-12, "column %d", i)
	}
	assert.Equal(t, "0", fields[7])
	assert.Empty(t, fields[8])
	assert.Equal(t, "20,,,,,,,,k out of range", lines[3])
}

func TestEncodeReportMissingPredictions(t *testing.T) {
	rec := metrics.NewRecorder([]int{0, 1}, false)
	r := &sweep.Report{
		Method:  config.MethodKNN,
		Classes: []int{0, 1},
		Records: []metrics.Record{
			rec.Record(metrics.Point{K: 1}, []int{0, 1, 1}, []int{0, metrics.Missing, 1}),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeReport(&buf, r))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1,1,1,1,", lines[1])
}

func TestEncodePredictions(t *testing.T) {
	var buf bytes.Buffer
	p := &sweep.Predictions{Truth: []int{1, 2, 3}, Predicted: []int{1, 3, 3}}
	require.NoError(t, EncodePredictions(&buf, p))
	assert.Equal(t, "1,1\n2,3\n3,3\n", buf.String())
}

func TestEncodePredictionsNeedsTruth(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, EncodePredictions(&buf, &sweep.Predictions{Predicted: []int{1, 2}}))
}

func TestSubmissionWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submission.csv")
	w := NewSubmissionWriter(path)
	p := &sweep.Predictions{Method: config.MethodPCAKNN, K: 3, Beta: 2, Predicted: []int{7, 2, 1}}

	require.NoError(t, w.WritePredictions(context.Background(), p))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ImageId,Label\n1,7\n2,2\n3,1\n", string(data))
}

func TestCSVWriter(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, "result")
	r := sampleReport(false)

	require.NoError(t, w.WriteReport(context.Background(), r))
	path := filepath.Join(dir, "result_method1_train12_test4_beta3")
	assert.Equal(t, path, w.ReportPath(r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "k,accuracy,kappa_cohen,failures,error\n"))

	p := &sweep.Predictions{
		Method: config.MethodKNN, K: 5, TrainSize: 12, TestSize: 2,
		Truth: []int{0, 1}, Predicted: []int{0, 0},
	}
	require.NoError(t, w.WritePredictions(context.Background(), p))
	data, err = os.ReadFile(filepath.Join(dir, "result_method0_train12_test2_betaNone_predictions"))
	require.NoError(t, err)
	assert.Equal(t, "0,0\n1,0\n", string(data))
}

func TestCSVWriterMissingDir(t *testing.T) {
	w := NewCSVWriter(filepath.Join(t.TempDir(), "missing"), "result")
	assert.Error(t, w.WriteReport(context.Background(), sampleReport(false)))
}

type stubWriter struct {
	calls int
	err   error
}

func (s *stubWriter) WriteReport(context.Context, *sweep.Report) error {
	s.calls++
	return s.err
}

func TestMulti(t *testing.T) {
	failing := &stubWriter{err: errors.New("disk full")}
	ok := &stubWriter{}
	m := Multi(failing, nil, ok)
	require.Len(t, m, 2)

	err := m.WriteReport(context.Background(), sampleReport(false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)

	assert.NoError(t, Multi().WriteReport(context.Background(), sampleReport(false)))
}

func newPublisher(t *testing.T, threshold int) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	p, err := NewRedisPublisher(config.RedisConfig{
		Addr:                 mr.Addr(),
		KeyPrefix:            "knnsweep",
		TTL:                  time.Hour,
		CompressionThreshold: threshold,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, mr
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, mr := newPublisher(t, 1<<20)
	r := sampleReport(true)

	require.NoError(t, p.WriteReport(ctx, r))
	key := "knnsweep:method1_train12_test4_beta3"
	assert.True(t, mr.Exists(key))
	assert.False(t, mr.Exists(compressedPrefix+key))
	assert.Equal(t, time.Hour, mr.TTL(key))

	doc, err := p.Fetch(ctx, r.Identity())
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "pca-knn", doc.Method)
	assert.Equal(t, 3, doc.Beta)
	require.Len(t, doc.Records, 3)
	assert.Equal(t, 1, doc.Records[0].Point.K)
	assert.InDelta(t, 0.75, doc.Records[1].Accuracy, 1e-12)
	assert.Len(t, doc.Records[1].PerClass, 2)
	assert.Equal(t, "k out of range", doc.Records[2].Err)

	ids, err := p.Published(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{r.Identity()}, ids)
}

func TestRedisPublisherCompresses(t *testing.T) {
	ctx := context.Background()
	p, mr := newPublisher(t, 16)
	r := sampleReport(false)

	require.NoError(t, p.WriteReport(ctx, r))
	key := "knnsweep:" + r.Identity()
	assert.True(t, mr.Exists(compressedPrefix+key))
	assert.False(t, mr.Exists(key))

	doc, err := p.Fetch(ctx, r.Identity())
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Len(t, doc.Records, 3)
}

func TestRedisPublisherFetchUnknown(t *testing.T) {
	p, _ := newPublisher(t, 0)
	doc, err := p.Fetch(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestNewRedisPublisherErrors(t *testing.T) {
	_, err := NewRedisPublisher(config.RedisConfig{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrEmptyAddr)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisPublisher(config.RedisConfig{Addr: addr}, zerolog.Nop())
	assert.Error(t, err)
}
