// Package knowledge stores reference documents as overlapping sentence
// chunks in their own similarity collection and returns the chunks most
// relevant to a question. Chat answers quote them in the prompt's Context
// block.
//
// All chunks share one owner in the index, so lookups are not scoped per
// user. A small relational table tracks each source's chunk count so
// re-ingesting a shorter document removes the stale tail.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/config"
	"github.com/fyrsmithlabs/reconmem/internal/vectorstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Owner is the index owner every chunk is stored under.
const Owner = "knowledge"

// Chunk metadata keys.
const (
	MetaSource = "source"
	MetaChunk  = "chunk"
)

var (
	// ErrEmptyDocument is returned when a document yields no chunks.
	ErrEmptyDocument = errors.New("document has no sentences")

	// ErrInvalidSource is returned for source names outside
	// ^[A-Za-z0-9_.-]{1,128}$.
	ErrInvalidSource = errors.New("invalid source name")

	// ErrSourceNotFound is returned by Remove for unknown sources.
	ErrSourceNotFound = errors.New("source not found")
)

var sourcePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

var tracer = otel.Tracer("reconmem.knowledge")

var (
	chunksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconmem_knowledge_chunks_ingested_total",
		Help: "Knowledge chunks written to the index",
	})
	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconmem_knowledge_lookups_total",
			Help: "Knowledge lookups by outcome",
		},
		[]string{"outcome"},
	)
)

// Config sizes chunking and retrieval.
type Config struct {
	TopK           int
	ChunkSentences int
	ChunkOverlap   int
}

// ConfigFrom copies the knowledge section of the application config.
func ConfigFrom(c config.KnowledgeConfig) Config {
	return Config{TopK: c.TopK, ChunkSentences: c.ChunkSentences, ChunkOverlap: c.ChunkOverlap}
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.ChunkSentences <= 0 {
		c.ChunkSentences = 4
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSentences {
		c.ChunkOverlap = c.ChunkSentences / 2
	}
}

// Source describes an ingested document.
type Source struct {
	Name       string    `json:"name"`
	Chunks     int       `json:"chunks"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Base is the knowledge collection.
type Base struct {
	index  vectorstore.Store
	db     *gorm.DB
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// mu serializes writes so concurrent ingests of one source cannot
	// interleave their chunk ranges.
	mu sync.Mutex
}

// New migrates the source table and returns a Base. The Base owns index;
// db is shared and left open by Close.
func New(index vectorstore.Store, db *gorm.DB, cfg Config, logger *zap.Logger) (*Base, error) {
	if index == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Base{
		index:  index,
		db:     db,
		cfg:    cfg,
		logger: logger.Named("knowledge"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// ChunkID names the i-th chunk of source.
func ChunkID(source string, i int) string {
	return fmt.Sprintf("%s_chunk_%d", source, i)
}

// Ingest splits text into sentence windows and stores them under source,
// replacing whatever source held before. It returns the chunk count.
func (b *Base) Ingest(ctx context.Context, source, text string) (int, error) {
	chunks := Chunk(text, b.cfg.ChunkSentences, b.cfg.ChunkOverlap)
	return b.Add(ctx, source, chunks)
}

// Add stores docs verbatim as the chunks of source, replacing whatever
// source held before. Blank docs are skipped.
func (b *Base) Add(ctx context.Context, source string, docs []string) (int, error) {
	ctx, span := tracer.Start(ctx, "Base.Add")
	defer span.End()
	span.SetAttributes(attribute.String("source", source))

	if !sourcePattern.MatchString(source) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	var chunks []string
	for _, d := range docs {
		if d = strings.TrimSpace(d); d != "" {
			chunks = append(chunks, d)
		}
	}
	if len(chunks) == 0 {
		return 0, ErrEmptyDocument
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	prev, err := b.chunkCount(ctx, source)
	if err != nil {
		return 0, err
	}

	out := make([]vectorstore.Document, len(chunks))
	for i, c := range chunks {
		out[i] = vectorstore.Document{
			ID:       ChunkID(source, i),
			Content:  c,
			Metadata: map[string]interface{}{MetaSource: source, MetaChunk: i},
		}
	}
	octx := vectorstore.ContextWithOwner(ctx, Owner)
	if _, err := b.index.AddDocuments(octx, out); err != nil {
		return 0, fmt.Errorf("index %s: %w", source, err)
	}
	chunksIngested.Add(float64(len(out)))

	recorded := len(chunks)
	if prev > len(chunks) {
		if err := b.index.DeleteDocuments(octx, chunkIDs(source, len(chunks), prev)); err != nil {
			// Keep the old count so the next Ingest or Remove retries the tail.
			recorded = prev
			b.logger.Warn("delete stale chunks failed",
				zap.String("source", source),
				zap.Int("from", len(chunks)),
				zap.Int("to", prev),
				zap.Error(err))
		}
	}

	row := sourceRow{Name: source, Chunks: recorded, IngestedAt: b.now()}
	if err := b.db.WithContext(ctx).Save(&row).Error; err != nil {
		return 0, fmt.Errorf("save source %s: %w", source, err)
	}

	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	b.logger.Info("knowledge ingested",
		zap.String("source", source),
		zap.Int("chunks", len(chunks)),
		zap.Int("previous_chunks", prev))
	return len(chunks), nil
}

// Remove deletes every chunk of source.
func (b *Base) Remove(ctx context.Context, source string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, err := b.chunkCount(ctx, source)
	if err != nil {
		return err
	}
	if prev == 0 {
		return fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}
	octx := vectorstore.ContextWithOwner(ctx, Owner)
	if err := b.index.DeleteDocuments(octx, chunkIDs(source, 0, prev)); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", source, err)
	}
	if err := b.db.WithContext(ctx).Delete(&sourceRow{Name: source}).Error; err != nil {
		return fmt.Errorf("delete source %s: %w", source, err)
	}
	b.logger.Info("knowledge removed", zap.String("source", source), zap.Int("chunks", prev))
	return nil
}

// Sources lists ingested documents by name.
func (b *Base) Sources(ctx context.Context) ([]Source, error) {
	var rows []sourceRow
	if err := b.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make([]Source, len(rows))
	for i, r := range rows {
		out[i] = Source{Name: r.Name, Chunks: r.Chunks, IngestedAt: r.IngestedAt}
	}
	return out, nil
}

// Relevant returns the contents of up to TopK chunks most similar to
// question, best first. A blank question or an empty collection yields
// no chunks.
func (b *Base) Relevant(ctx context.Context, question string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Base.Relevant")
	defer span.End()

	if strings.TrimSpace(question) == "" {
		return nil, nil
	}
	results, err := b.index.SearchWithFilters(vectorstore.ContextWithOwner(ctx, Owner), question, b.cfg.TopK, nil)
	if err != nil {
		lookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	if len(results) == 0 {
		lookupsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	lookupsTotal.WithLabelValues("hit").Inc()

	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Content
	}
	span.SetAttributes(attribute.Int("chunks", len(out)))
	return out, nil
}

// Close releases the index.
func (b *Base) Close() error {
	return b.index.Close()
}

func (b *Base) chunkCount(ctx context.Context, source string) (int, error) {
	var row sourceRow
	err := b.db.WithContext(ctx).Where("name = ?", source).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get source %s: %w", source, err)
	}
	return row.Chunks, nil
}

func chunkIDs(source string, from, to int) []string {
	ids := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		ids = append(ids, ChunkID(source, i))
	}
	return ids
}
