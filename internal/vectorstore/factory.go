package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/reconmem/internal/config"
	"go.uber.org/zap"
)

// StoreOption adjusts provider configs before construction.
type StoreOption func(*storeOptions)

type storeOptions struct {
	isolation   IsolationMode
	collection  string
	chromemPath string
}

// WithIsolation overrides the default PayloadIsolation.
func WithIsolation(mode IsolationMode) StoreOption {
	return func(o *storeOptions) {
		o.isolation = mode
	}
}

// WithCollection targets another collection than the conversation index.
// chromemPath, when set, gives the embedded store its own directory.
func WithCollection(name, chromemPath string) StoreOption {
	return func(o *storeOptions) {
		o.collection = name
		o.chromemPath = chromemPath
	}
}

// NewStore builds the index named by cfg.VectorStore.Provider:
// "chromem" (default, embedded) or "qdrant" (external gRPC server).
func NewStore(cfg *config.Config, embedder Embedder, logger *zap.Logger, opts ...StoreOption) (Store, error) {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	collection, path := cfg.Archive.Collection, cfg.VectorStore.Chromem.Path
	if o.collection != "" {
		collection = o.collection
	}
	if o.chromemPath != "" {
		path = o.chromemPath
	}

	switch cfg.VectorStore.Provider {
	case "chromem", "":
		return NewChromemStore(ChromemConfig{
			Path:       path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			Collection: collection,
			VectorSize: cfg.VectorStore.Chromem.VectorSize,
			Isolation:  o.isolation,
		}, embedder, logger)

	case "qdrant":
		return NewQdrantStore(QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			Collection: collection,
			VectorSize: cfg.Qdrant.VectorSize,
			UseTLS:     cfg.Qdrant.UseTLS,
			Isolation:  o.isolation,
		}, embedder, logger)

	default:
		return nil, fmt.Errorf("unsupported vectorstore provider: %s (supported: chromem, qdrant)", cfg.VectorStore.Provider)
	}
}
