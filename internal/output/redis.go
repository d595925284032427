package output

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/objones25/knnsweep/internal/config"
	"github.com/objones25/knnsweep/internal/metrics"
	"github.com/objones25/knnsweep/internal/monitor"
	"github.com/objones25/knnsweep/internal/sweep"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyAddr     = errors.New("redis address cannot be empty")
	ErrCompression   = errors.New("compression failed")
	ErrDecompression = errors.New("decompression failed")
)

const (
	defaultCompressionThreshold = 1024
	defaultTTL                  = 24 * time.Hour
	compressedPrefix            = "compressed:"
)

// Document is the published form of a Report.
type Document struct {
	Identity  string        `json:"identity"`
	Method    string        `json:"method"`
	Beta      int           `json:"beta,omitempty"`
	TrainSize int           `json:"train_size"`
	TestSize  int           `json:"test_size"`
	Classes   []int         `json:"classes"`
	Records   []RecordEntry `json:"records"`
	Err       string        `json:"error,omitempty"`
}

// RecordEntry is a metrics.Record with its failure flattened to a message.
type RecordEntry struct {
	metrics.Record
	Err string `json:"error,omitempty"`
}

// NewDocument converts a report for publishing.
func NewDocument(r *sweep.Report) Document {
	doc := Document{
		Identity:  r.Identity(),
		Method:    r.Method.String(),
		Beta:      r.Beta,
		TrainSize: r.TrainSize,
		TestSize:  r.TestSize,
		Classes:   r.Classes,
		Records:   make([]RecordEntry, len(r.Records)),
	}
	if r.Err != nil {
		doc.Err = r.Err.Error()
	}
	for i, rec := range r.Records {
		doc.Records[i] = RecordEntry{Record: rec}
		if rec.Err != nil {
			doc.Records[i].Err = rec.Err.Error()
		}
	}
	return doc
}

// RedisPublisher stores each report as a JSON document under <prefix>:<identity> and
// appends the identity to the <prefix>:reports list. Documents larger than the
// compression threshold are gzipped and stored under a "compressed:" key instead.
type RedisPublisher struct {
	client               *redis.Client
	prefix               string
	ttl                  time.Duration
	compressionThreshold int
	logger               zerolog.Logger
}

// NewRedisPublisher connects to Redis and checks the connection.
func NewRedisPublisher(cfg config.RedisConfig, logger zerolog.Logger) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, ErrEmptyAddr
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = defaultCompressionThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPublisher{
		client:               client,
		prefix:               cfg.KeyPrefix,
		ttl:                  cfg.TTL,
		compressionThreshold: cfg.CompressionThreshold,
		logger:               logger.With().Str("component", "redis_publisher").Logger(),
	}, nil
}

// Key returns the document key for an identity.
func (p *RedisPublisher) Key(identity string) string {
	if p.prefix == "" {
		return identity
	}
	return p.prefix + ":" + identity
}

func (p *RedisPublisher) indexKey() string {
	return p.Key("reports")
}

// WriteReport implements sweep.ReportWriter.
func (p *RedisPublisher) WriteReport(ctx context.Context, r *sweep.Report) error {
	if err := p.publish(ctx, NewDocument(r)); err != nil {
		monitor.PublishOperations.WithLabelValues("redis", "error").Inc()
		return err
	}
	monitor.PublishOperations.WithLabelValues("redis", "ok").Inc()
	return nil
}

func (p *RedisPublisher) publish(ctx context.Context, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := p.Key(doc.Identity)
	stale := compressedPrefix + key
	if len(data) > p.compressionThreshold {
		if data, err = compress(data); err != nil {
			return err
		}
		key, stale = stale, key
	}

	pipe := p.client.TxPipeline()
	pipe.Del(ctx, stale)
	pipe.Set(ctx, key, data, p.ttl)
	pipe.RPush(ctx, p.indexKey(), doc.Identity)
	pipe.Expire(ctx, p.indexKey(), p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish report %s: %w", doc.Identity, err)
	}

	p.logger.Debug().
		Str("key", key).
		Int("bytes", len(data)).
		Int("records", len(doc.Records)).
		Msg("Published report")
	return nil
}

// Fetch reads a published document back. It returns nil without error when the
// identity is unknown.
func (p *RedisPublisher) Fetch(ctx context.Context, identity string) (*Document, error) {
	key := p.Key(identity)

	data, err := p.client.Get(ctx, compressedPrefix+key).Bytes()
	switch {
	case err == nil:
		if data, err = decompress(data); err != nil {
			return nil, err
		}
	case errors.Is(err, redis.Nil):
		data, err = p.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get report from Redis: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to get report from Redis: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &doc, nil
}

// Published lists the identities written so far, oldest first.
func (p *RedisPublisher) Published(ctx context.Context) ([]string, error) {
	ids, err := p.client.LRange(ctx, p.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return ids, nil
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	defer gz.Close()

	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	return out, nil
}
