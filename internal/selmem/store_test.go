// File: internal/selmem/store_test.go
package selmem_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iudex-br/sei-bridge/internal/selmem"
)

func newStore(t *testing.T) (*selmem.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selectors.json")
	s, err := selmem.NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, path
}

func TestStore_PutAndGet(t *testing.T) {
	s, _ := newStore(t)

	_, ok := s.Get("sei|login|#btnAcessar")
	assert.False(t, ok)

	require.NoError(t, s.Put("sei|login|#btnAcessar", "button[name='sbmAcessar']"))

	rec, ok := s.Get("sei|login|#btnAcessar")
	require.True(t, ok)
	assert.Equal(t, "button[name='sbmAcessar']", rec.Selector)
	assert.Equal(t, 1, rec.SuccessCount)
	assert.False(t, rec.DiscoveredAt.IsZero())
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, path := newStore(t)
	require.NoError(t, s.Put("key-a", "#a"))
	require.NoError(t, s.Put("key-b", "#b"))

	reopened, err := selmem.NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())

	rec, ok := reopened.Get("key-a")
	require.True(t, ok)
	assert.Equal(t, "#a", rec.Selector)
}

func TestStore_RecordSuccess(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Put("key", "#sel"))

	// Unknown keys must not create records.
	require.NoError(t, s.RecordSuccess("missing"))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.RecordSuccess("key"))
	require.NoError(t, s.RecordSuccess("key"))

	rec, ok := s.Get("key")
	require.True(t, ok)
	assert.Equal(t, 3, rec.SuccessCount)
}

func TestStore_Prune_RemovesOnlyStaleRecords(t *testing.T) {
	s, _ := newStore(t)

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	current := base
	s.SetClock(func() time.Time { return current })

	require.NoError(t, s.Put("stale", "#old"))

	// 40 days later, add a fresh record.
	current = base.Add(40 * 24 * time.Hour)
	require.NoError(t, s.Put("fresh", "#new"))

	removed, err := s.Prune(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := s.Get("stale")
	assert.False(t, ok)
	_, ok = s.Get("fresh")
	assert.True(t, ok)
}

func TestStore_Prune_NoStaleRecords(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Put("key", "#sel"))

	removed, err := s.Prune(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 1, s.Len())
}

func TestNewStore_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := selmem.NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Zero(t, s.Len())

	// The store must still be writable after recovering.
	require.NoError(t, s.Put("key", "#sel"))
}
