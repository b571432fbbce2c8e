package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/reconmem/internal/archive"
	"github.com/fyrsmithlabs/reconmem/internal/chat"
	"github.com/fyrsmithlabs/reconmem/internal/config"
	"github.com/fyrsmithlabs/reconmem/internal/embeddings"
	"github.com/fyrsmithlabs/reconmem/internal/events"
	"github.com/fyrsmithlabs/reconmem/internal/exemplar"
	"github.com/fyrsmithlabs/reconmem/internal/feedback"
	"github.com/fyrsmithlabs/reconmem/internal/generation"
	"github.com/fyrsmithlabs/reconmem/internal/knowledge"
	"github.com/fyrsmithlabs/reconmem/internal/logging"
	"github.com/fyrsmithlabs/reconmem/internal/memory"
	"github.com/fyrsmithlabs/reconmem/internal/secrets"
	"github.com/fyrsmithlabs/reconmem/internal/vectorstore"
	"go.uber.org/zap"
)

// app holds the wired components. Generation-dependent services are nil
// when the app is opened for inspection only.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	embedder  embeddings.Provider
	archive   *archive.Archive
	events    events.Publisher
	store     *memory.Store
	exemplars *exemplar.Retriever
	knowledge *knowledge.Base
	feedback  *feedback.Workflow
	chat      *chat.Service
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lcfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lcfg, nil)
}

// openApp wires the storage tiers and retrieval. withGeneration also
// builds the generator, feedback workflow and chat service.
func openApp(cfg *config.Config, logger *zap.Logger, withGeneration bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	embedder, err := embeddings.NewProvider(cfg.Embeddings, logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	a.embedder = embedder
	if cfg.VectorStore.Chromem.VectorSize == 0 {
		cfg.VectorStore.Chromem.VectorSize = a.embedder.Dimension()
	}
	if cfg.Qdrant.VectorSize == 0 {
		cfg.Qdrant.VectorSize = uint64(a.embedder.Dimension())
	}

	index, err := vectorstore.NewStore(cfg, a.embedder, logger.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: %w", err)
	}

	db, err := archive.Open(cfg.Archive, logger.Named("archive"))
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	scrubber, err := secrets.New(nil)
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	a.archive, err = archive.New(archive.NewRepository(db, logger.Named("archive")), index, scrubber, logger.Named("archive"))
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	kindex, err := vectorstore.NewStore(cfg, a.embedder, logger.Named("knowledge"),
		vectorstore.WithCollection(cfg.Knowledge.Collection, cfg.Knowledge.Path))
	if err != nil {
		return nil, fmt.Errorf("knowledge vectorstore: %w", err)
	}
	a.knowledge, err = knowledge.New(kindex, db, knowledge.ConfigFrom(cfg.Knowledge), logger)
	if err != nil {
		_ = kindex.Close()
		return nil, err
	}

	publisher, err := events.New(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("events"))
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	a.events = publisher

	a.store, err = memory.New(a.archive, memory.ConfigFromApp(cfg.Memory), logger.Named("memory"),
		memory.WithPublisher(a.events))
	if err != nil {
		return nil, err
	}
	a.exemplars, err = exemplar.New(a.archive, a.store, cfg.Memory.ArchiveTimeout.Duration(), logger.Named("exemplar"))
	if err != nil {
		return nil, err
	}

	if !withGeneration {
		ready = true
		return a, nil
	}

	gen, err := generation.NewOpenAI(generation.ConfigFromApp(cfg.Generator), logger.Named("generation"))
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	a.feedback, err = feedback.New(a.store, a.exemplars, gen, a.events, feedback.ConfigFromApp(cfg.Memory), logger.Named("feedback"))
	if err != nil {
		return nil, err
	}
	a.chat, err = chat.NewService(a.store, a.exemplars, gen, cfg.Memory.ExemplarK, logger.Named("chat"),
		chat.WithKnowledge(a.knowledge))
	if err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

// Close releases the stores, the event connection and the embedder.
func (a *app) Close() error {
	var errs []error
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.knowledge != nil {
		errs = append(errs, a.knowledge.Close())
	}
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	return errors.Join(errs...)
}

// reindexPending retries index writes that failed while the index was down.
func (a *app) reindexPending(ctx context.Context) {
	n, err := a.archive.ReindexPending(ctx, 500)
	if err != nil {
		a.logger.Warn("pending reindex failed", zap.Error(err))
		return
	}
	if n > 0 {
		a.logger.Info("pending records reindexed", zap.Int("count", n))
	}
}
