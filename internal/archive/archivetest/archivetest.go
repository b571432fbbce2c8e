// Package archivetest opens a throwaway archive backed by a temp-dir sqlite
// database and an in-memory chromem index.
package archivetest

import (
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/reconmem/internal/archive"
	"github.com/fyrsmithlabs/reconmem/internal/config"
	"github.com/fyrsmithlabs/reconmem/internal/secrets"
	"github.com/fyrsmithlabs/reconmem/internal/vectorstore"
	"github.com/fyrsmithlabs/reconmem/internal/vectorstore/vectorstoretest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Env bundles the archive with its parts so tests can break them.
type Env struct {
	Archive  *archive.Archive
	Repo     *archive.Repository
	Index    *vectorstore.ChromemStore
	Embedder *vectorstoretest.WordEmbedder
}

// New opens an archive that is closed when the test ends.
func New(tb testing.TB) *Env {
	tb.Helper()

	db, err := archive.Open(config.ArchiveConfig{
		Driver: "sqlite",
		DSN:    config.Secret(filepath.Join(tb.TempDir(), "archive.db")),
	}, zap.NewNop())
	require.NoError(tb, err)
	repo := archive.NewRepository(db, zap.NewNop())

	emb := vectorstoretest.NewWordEmbedder(64)
	index, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{VectorSize: 64}, emb, zap.NewNop())
	require.NoError(tb, err)

	a, err := archive.New(repo, index, secrets.MustNew(nil), zap.NewNop())
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = a.Close() })

	return &Env{Archive: a, Repo: repo, Index: index, Embedder: emb}
}
