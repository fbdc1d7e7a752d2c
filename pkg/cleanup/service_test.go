package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundctl/groundctl/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNewService_AppliesDefaults(t *testing.T) {
	s := NewService(nil, 0, 0)
	assert.Equal(t, DefaultRetentionDays, s.retentionDays)
	assert.Equal(t, DefaultSweepInterval, s.interval)

	s = NewService(nil, 7, time.Minute)
	assert.Equal(t, 7, s.retentionDays)
	assert.Equal(t, time.Minute, s.interval)
}

func TestService_SweepDeletesExpiredEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old, err := st.Audit(ctx, "mission.started", "mission", "msn-1", nil)
	require.NoError(t, err)
	fresh, err := st.Audit(ctx, "mission.canceled", "mission", "msn-1", nil)
	require.NoError(t, err)

	_, err = st.DB().Exec(`UPDATE audit_entries SET created_at = ? WHERE id = ?`,
		time.Now().UTC().AddDate(0, 0, -31), old.ID)
	require.NoError(t, err)

	s := NewService(st, 30, time.Hour)
	s.sweep(ctx)

	entries, err := st.ListAudit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fresh.ID, entries[0].ID)
}

func TestService_SweepIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e, err := st.Audit(ctx, "mission.started", "mission", "msn-1", nil)
	require.NoError(t, err)
	_, err = st.DB().Exec(`UPDATE audit_entries SET created_at = ? WHERE id = ?`,
		time.Now().UTC().AddDate(0, 0, -60), e.ID)
	require.NoError(t, err)

	s := NewService(st, 30, time.Hour)
	s.sweep(ctx)
	s.sweep(ctx)

	entries, err := st.ListAudit(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestService_StartAndStop(t *testing.T) {
	st := newTestStore(t)

	s := NewService(st, 30, time.Hour)
	s.Start(context.Background())
	// Second Start is a no-op.
	s.Start(context.Background())
	s.Stop()
}
