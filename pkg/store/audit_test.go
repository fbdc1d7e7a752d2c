package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudit_SerializesDetails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e, err := st.Audit(ctx, "mission.started", "mission", "msn-1", map[string]any{
		"featureName": "search",
		"iteration":   1,
	})
	require.NoError(t, err)

	entries, err := st.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e.ID, entries[0].ID)
	assert.Equal(t, "mission.started", entries[0].Event)

	var details map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Details, &details))
	assert.Equal(t, "search", details["featureName"])
	assert.Equal(t, float64(1), details["iteration"])
}

func TestAudit_NilDetailsAndEntity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Audit(ctx, "server.started", "", "", nil)
	require.NoError(t, err)

	entries, err := st.ListAudit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].EntityType)
	assert.Nil(t, entries[0].EntityID)
	assert.Empty(t, entries[0].Details)
}

func TestListAuditByEntity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Audit(ctx, "mission.started", "mission", "msn-1", nil)
	require.NoError(t, err)
	_, err = st.Audit(ctx, "mission.canceled", "mission", "msn-2", nil)
	require.NoError(t, err)
	_, err = st.Audit(ctx, "process.spawned", "process", "proc-1", nil)
	require.NoError(t, err)

	entries, err := st.ListAuditByEntity(ctx, "mission", "msn-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mission.started", entries[0].Event)
}

func TestListAudit_RespectsLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := st.Audit(ctx, "server.started", "", "", nil)
		require.NoError(t, err)
	}

	entries, err := st.ListAudit(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestDeleteAuditBefore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old, err := st.Audit(ctx, "mission.started", "mission", "msn-1", nil)
	require.NoError(t, err)
	_, err = st.Audit(ctx, "mission.canceled", "mission", "msn-1", nil)
	require.NoError(t, err)

	// Backdate one entry past the retention cutoff.
	_, err = st.DB().Exec(`UPDATE audit_entries SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-48*time.Hour), old.ID)
	require.NoError(t, err)

	n, err := st.DeleteAuditBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := st.ListAudit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mission.canceled", entries[0].Event)
}
