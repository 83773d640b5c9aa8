// Package repotest opens throwaway in-memory databases for tests.
package repotest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/richardliu001/wallet-ledger/internal/repo"
)

var dbSeq atomic.Uint64

// NewDB opens a private shared-cache SQLite database with the ledger schema.
// A single connection serializes writers the way row locks would on Postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repo.NewRepository(db, nil, nil, zap.NewNop().Sugar()).Migrate())
	return db
}

// NewRepository returns a repository over a fresh database with cache and publishing disabled.
func NewRepository(t testing.TB) *repo.Repository {
	t.Helper()
	return repo.NewRepository(NewDB(t), nil, nil, zap.NewNop().Sugar())
}
