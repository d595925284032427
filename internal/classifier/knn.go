package classifier

import (
	"context"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/objones25/knnsweep/internal/errdefs"
	"github.com/objones25/knnsweep/internal/monitor"
)

// Config holds classifier configuration
type Config struct {
	K         int // Neighbor count used by Predict
	KMax      int // Largest k PredictForK must serve; 0 keeps every training row
	Workers   int // Parallelism of the neighbor search
	CacheSize int // Number of per-k prediction vectors kept
}

// DefaultConfig returns default classifier configuration
func DefaultConfig() Config {
	return Config{
		K:         24,
		CacheSize: 64,
	}
}

// KNN is the classification stage. Fit stores the training set, Query (or Predict) runs
// the neighbor search once, and PredictForK re-votes over the cached ordering.
type KNN struct {
	config   Config
	index    *Index
	ordering *Ordering
	votes    *lru.Cache[int, []int]
	mu       sync.RWMutex
}

// New creates a new classifier
func New(cfg Config) *KNN {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	votes, _ := lru.New[int, []int](cfg.CacheSize)
	return &KNN{config: cfg, votes: votes}
}

// Fit stores the training set and drops any cached ordering.
func (m *KNN) Fit(X [][]float64, y []int) error {
	start := time.Now()
	defer func() {
		monitor.FitDuration.WithLabelValues("classifier").Observe(time.Since(start).Seconds())
	}()

	index, err := NewIndex(X, y, m.config.Workers)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = index
	m.ordering = nil
	m.votes.Purge()
	return nil
}

// kMax is the search depth: enough for both the default k and the sweep.
func (m *KNN) kMax() int {
	k := max(m.config.KMax, m.config.K)
	if m.config.KMax == 0 || k > m.index.Len() {
		k = m.index.Len()
	}
	return k
}

// Query runs the neighbor search for X and caches its ordering for PredictForK.
func (m *KNN) Query(ctx context.Context, X [][]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil {
		return errdefs.New("classifier.Query", errdefs.ErrNotFitted, "Fit must be called first")
	}

	start := time.Now()
	ordering, err := m.index.Search(ctx, X, m.kMax())
	if err != nil {
		return err
	}
	monitor.FitDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())

	m.ordering = ordering
	m.votes.Purge()
	return nil
}

// Predict queries X and votes with the default k.
func (m *KNN) Predict(ctx context.Context, X [][]float64) ([]int, error) {
	if err := m.Query(ctx, X); err != nil {
		return nil, err
	}
	return m.PredictForK(m.config.K)
}

// PredictForK votes with k over the ordering cached by the last Query.
func (m *KNN) PredictForK(k int) ([]int, error) {
	m.mu.RLock()
	ordering := m.ordering
	m.mu.RUnlock()
	if ordering == nil {
		return nil, errdefs.New("classifier.PredictForK", errdefs.ErrNotFitted, "Query or Predict must run before PredictForK")
	}

	if cached, ok := m.votes.Get(k); ok {
		monitor.VoteCacheOperations.WithLabelValues("hit").Inc()
		return slices.Clone(cached), nil
	}
	monitor.VoteCacheOperations.WithLabelValues("miss").Inc()

	start := time.Now()
	labels, err := ordering.Vote(k)
	monitor.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	m.votes.Add(k, labels)
	return slices.Clone(labels), nil
}

// KMax returns the largest k the cached ordering serves, or 0 before Query.
func (m *KNN) KMax() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ordering == nil {
		return 0
	}
	return m.ordering.KMax()
}

// Ordering returns the cached ordering, or nil before Query.
func (m *KNN) Ordering() *Ordering {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ordering
}
