// =============================================================================
// 🗄️ Store test helpers
// =============================================================================
// Shared helper for standing up an in-memory sqlite-backed store.Store for
// memory-layer unit tests.
// =============================================================================
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/store"
)

// testStoreSeq numbers NewTestStore calls so each names its own
// in-memory database.
var testStoreSeq int64

// NewTestStore opens a fresh in-memory sqlite store, migrates it, and
// registers cleanup. Each call gets its own isolated database.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := config.StoreConfig{
		Driver:          "sqlite",
		Name:            fmt.Sprintf("file:athena-test-%d?mode=memory&cache=shared", atomic.AddInt64(&testStoreSeq, 1)),
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	}

	s, err := store.Open(cfg, 1, nil)
	require.NoError(t, err)

	ctx := TestContext(t)
	require.NoError(t, s.Migrate(ctx))

	t.Cleanup(func() { _ = s.Close() })
	return s
}
