package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("reconmem.vectorstore.chromem")

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path       string
	Compress   bool
	Collection string
	VectorSize int
	Isolation  IsolationMode
}

func (c *ChromemConfig) applyDefaults() {
	if c.Collection == "" {
		c.Collection = "reconmem_conversations"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.Isolation == nil {
		c.Isolation = NewPayloadIsolation()
	}
}

// ChromemStore implements Store on an embedded chromem-go database.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemStore opens (or creates) the database and its collection.
func NewChromemStore(cfg ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = openChromemDB(path, cfg.Compress, logger)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		cfg.Path = path
	}

	s := &ChromemStore{db: db, embedder: embedder, config: cfg, logger: logger}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}
	s.collection = collection

	logger.Info("chromem store initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", collection.Count()),
		zap.String("isolation", cfg.Isolation.Mode()),
	)
	return s, nil
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// AddDocuments embeds docs in one batch and upserts them.
func (s *ChromemStore) AddDocuments(ctx context.Context, docs []Document) (ids []string, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.AddDocuments")
	defer span.End()
	defer func(start time.Time) { observe("chromem", "add", start, err) }(time.Now())

	span.SetAttributes(attribute.Int("document_count", len(docs)))
	if len(docs) == 0 {
		return nil, ErrEmptyDocuments
	}
	if err := s.config.Isolation.InjectMetadata(ctx, docs); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("injecting owner metadata: %w", err)
	}

	texts := make([]string, len(docs))
	ids = make([]string, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return nil, fmt.Errorf("document at index %d has no id", i)
		}
		ids[i] = doc.ID
		texts[i] = doc.Content
	}

	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(embeddings) != len(docs) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d documents", ErrEmbeddingFailed, len(embeddings), len(docs))
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  metadataToStrings(doc.Metadata),
			Embedding: embeddings[i],
		}
	}

	if err := s.collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents: %w", err)
	}

	DocumentsIndexed.WithLabelValues("chromem").Add(float64(len(docs)))
	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// SearchWithFilters queries the collection. k is capped at the collection
// size since chromem rejects larger requests.
func (s *ChromemStore) SearchWithFilters(ctx context.Context, query string, k int, filters map[string]interface{}) (results []SearchResult, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.SearchWithFilters")
	defer span.End()
	defer func(start time.Time) { observe("chromem", "search", start, err) }(time.Now())

	span.SetAttributes(attribute.Int("k", k))
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	filters, err = s.config.Isolation.InjectFilter(ctx, filters)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("injecting owner filter: %w", err)
	}

	count := s.collection.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if k > count {
		k = count
	}

	queryVector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	found, err := s.collection.QueryEmbedding(ctx, queryVector, k, metadataToStrings(filters), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	results = make([]SearchResult, len(found))
	for i, r := range found {
		results[i] = SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: metadataFromStrings(r.Metadata),
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// DeleteDocuments removes documents by ID.
func (s *ChromemStore) DeleteDocuments(ctx context.Context, ids []string) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteDocuments")
	defer span.End()
	defer func(start time.Time) { observe("chromem", "delete", start, err) }(time.Now())

	if len(ids) == 0 {
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting documents: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (s *ChromemStore) Count() int {
	return s.collection.Count()
}

func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

var collectionHashPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

// openChromemDB loads a persistent DB. Collections missing their metadata
// file are moved to .quarantine and the load is retried once.
func openChromemDB(path string, compress bool, logger *zap.Logger) (*chromem.DB, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil || !strings.Contains(err.Error(), "collection metadata file not found") {
		return db, err
	}

	entries, readErr := os.ReadDir(path)
	if readErr != nil {
		return nil, err
	}
	quarantine := filepath.Join(path, ".quarantine")
	moved := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !collectionHashPattern.MatchString(name) {
			continue
		}
		if _, statErr := os.Stat(filepath.Join(path, name, "00000000.gob")); !os.IsNotExist(statErr) {
			continue
		}
		if mkErr := os.MkdirAll(quarantine, 0o700); mkErr != nil {
			return nil, err
		}
		if mvErr := os.Rename(filepath.Join(path, name), filepath.Join(quarantine, name)); mvErr != nil {
			logger.Error("failed to quarantine collection", zap.String("collection_hash", name), zap.Error(mvErr))
			continue
		}
		logger.Warn("quarantined corrupt collection", zap.String("collection_hash", name))
		QuarantinedCollections.Inc()
		moved++
	}
	if moved == 0 {
		return nil, err
	}
	return chromem.NewPersistentDB(path, compress)
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// metadataToStrings flattens metadata for chromem, which stores strings only.
func metadataToStrings(metadata map[string]interface{}) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			out[k] = val
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case time.Time:
			out[k] = val.UTC().Format(time.RFC3339Nano)
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

func metadataFromStrings(metadata map[string]string) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

var _ Store = (*ChromemStore)(nil)
